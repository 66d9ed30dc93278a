// Package rabbitmq implements the AMQP 0-9-1 side of the transport.
//
// This package includes:
//   - Connection: one broker link, opened with retry and backoff, raising
//     Opened, Closed and Disposed notifications
//   - ConnectionPool: shared and exclusive connections per broker URL
//   - Channel: a session for one consumer worker or one producer, forwarding
//     broker initiated shutdowns to observers
//   - Delivery: an immutable received message with idempotent accept/reject
//   - ConfirmationTracker: publisher confirms matched by sequence number
//   - Topology declarations for exchanges, queues and bindings
//
// The broker client is reached through the BrokerConnection and
// BrokerChannel interfaces; Dial provides the amqp091-go implementation and
// package rabbitmqtest an in-memory one for tests.
package rabbitmq
