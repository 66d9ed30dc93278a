// Package messaging defines the transport-agnostic contracts of the bus.
//
// It contains:
//   - Message, Headers and Route: what is sent and where it goes
//   - PayloadConverter and ConverterRegistry: content-type based serialization
//   - LabelHandler: how the logical message label travels in headers
//   - Delivery, ConsumingContext and Consumer: what consumer code sees
//   - FailedDeliveryStrategy and UnhandledDeliveryStrategy: pluggable policies
//     invoked when consumer code fails or no consumer matches
//   - incoming header storage carried in a context.Context
//
// Transports (see transports/rabbitmq) implement the contracts; consumer code
// only depends on this package.
package messaging
