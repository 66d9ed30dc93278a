// Package rabbitmq implements listeners and producers of the bus on top of
// the AMQP connection layer.
//
// A Listener owns consumer workers for one queue and dispatches every
// delivery to a pending request Expectation, to the consumer registered
// for its label, or to the unhandled delivery strategy. A Producer
// publishes through one channel, optionally waiting for publisher confirms,
// and sends requests whose replies are matched by a companion Listener.
// FaultTolerantProducer retries a failed publish on the next producer
// picked by a ProducerSelector.
//
// Listeners and producers recover from channel shutdowns they did not
// initiate by stopping and starting again, unless configured to terminate.
package rabbitmq
