// Package notifier forwards broadcast lifecycle events from the in-process bus to an
// AMQP exchange.
//
// Events are queued without blocking the bus, rate limited, and retried with
// exponential backoff. The routing key is the event type (for example
// "broadcast.delivered") and the body is a JSON Message. When the queue is full the
// event is dropped and counted.
package notifier
