package domain

import "time"

// Delivery is one message handed to a consumer. The handler must finish every
// delivery with exactly one of Ack or Nack: Ack commits the message, Nack with
// requeue leaves it to the broker's own redelivery (used for infrastructure
// errors, so a message is never silently dropped).
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

type DeliveryHandler func(d Delivery)

type Queue interface {
	IsHealthy() bool
	PublishMessage(queueName string, body []byte) error
	// PublishMessageWithDelay publishes to the delay queue with a per-message TTL,
	// from where the broker dead-letters the message back into the work queue once
	// the delay elapses. This is how retry backoff is scheduled without blocking
	// a consumer goroutine.
	PublishMessageWithDelay(queueName string, body []byte, delay time.Duration) error
	ConsumeMessages(consumerName, queueName string, prefetch int, handler DeliveryHandler) error
	Close() error
}
