package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/darias/ad-moderation/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQClient struct {
	ctx            context.Context
	conn           *amqp.Connection
	channel        *amqp.Channel
	workQueueName  string
	retryQueueName string
	dlqName        string
}

var queueDeclarationHistory = map[string]bool{}

// NewRabbitMQClient dials the broker and declares the moderation topology: the
// work queue, the retry (delay) queue whose dead-letter target is the work
// queue, and the dead-letter queue. Queue names come in as [work, retry, dlq].
func NewRabbitMQClient(ctx context.Context, amqpURL string, mainQueueNames []string) (*RabbitMQClient, error) {
	if len(mainQueueNames) != 3 {
		return nil, fmt.Errorf("expected exactly 3 queue names (work, retry, dlq), got %d", len(mainQueueNames))
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		err2 := conn.Close()
		if err2 != nil {
			slog.Error("error occurred while closing connection", "error", err2.Error())
		}

		return nil, err
	}

	client := &RabbitMQClient{
		ctx:            ctx,
		conn:           conn,
		channel:        ch,
		workQueueName:  mainQueueNames[0],
		retryQueueName: mainQueueNames[1],
		dlqName:        mainQueueNames[2],
	}
	err = client.checkMainQueueDeclarations()
	if err != nil {
		slog.Error("Error while checking declarations of main queues", "error", err.Error())
		return nil, err
	}

	return client, nil
}

func (c *RabbitMQClient) PublishMessage(queueName string, body []byte) (err error) {
	err = c.checkQueueDeclaration(queueName)
	if err != nil {
		return err
	}

	return c.channel.PublishWithContext(
		c.ctx,
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

// PublishMessageWithDelay publishes to the retry queue with a per-message TTL.
// Nothing consumes the retry queue; when the TTL expires the broker dead-letters
// the message back into the given work queue, which is what gives us delayed
// redelivery without any consumer-side sleeping.
func (c *RabbitMQClient) PublishMessageWithDelay(queueName string, body []byte, delay time.Duration) (err error) {
	if queueName != c.workQueueName {
		return fmt.Errorf("delayed publish is only wired for the %s queue, got %s", c.workQueueName, queueName)
	}

	err = c.checkQueueDeclaration(c.retryQueueName)
	if err != nil {
		return err
	}

	return c.channel.PublishWithContext(
		c.ctx,
		"",               // exchange
		c.retryQueueName, // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
			Body:         body,
		})
}

type amqpDelivery struct {
	raw amqp.Delivery
}

func (d *amqpDelivery) Body() []byte {
	return d.raw.Body
}

func (d *amqpDelivery) Ack() error {
	return d.raw.Ack(false)
}

func (d *amqpDelivery) Nack(requeue bool) error {
	return d.raw.Nack(false, requeue)
}

// ConsumeMessages starts a consumer with manual acknowledgements. The handler
// owns the ack/nack decision: a message stays unacked (and therefore
// redeliverable by the broker) until the handler has committed its outcome.
func (c *RabbitMQClient) ConsumeMessages(consumerName, queueName string, prefetch int, handler domain.DeliveryHandler) error {
	if prefetch <= 0 {
		prefetch = 1
	}

	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		return err
	}

	msgs, err := c.channel.ConsumeWithContext(
		c.ctx,
		queueName,    // queue
		consumerName, // consumer
		false,        // auto-ack is off, the handler acks explicitly
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)

	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			handler(&amqpDelivery{raw: d})
		}
	}()

	return nil
}

func (c *RabbitMQClient) Close() error {
	err := c.channel.Close()
	if err != nil {
		return err
	}

	err = c.conn.Close()
	return err
}

func (c *RabbitMQClient) IsHealthy() bool {
	if c.conn.IsClosed() {
		slog.Error("RabbitMQ connection is closed, Rabbit is not healthy")
		return false
	}

	ch, err := c.conn.Channel()
	if err != nil {
		slog.Error("Failed to open RabbitMQ channel, Rabbit is not healthy", "error", err)
		return false
	}
	defer func() {
		err = ch.Close()
		if err != nil {
			slog.Error("Error occurred while closing rabbit channel created for health check", "error", err.Error())
		}
	}()

	return true
}

func (c *RabbitMQClient) checkMainQueueDeclarations() (err error) {
	for _, queueName := range []string{c.workQueueName, c.retryQueueName, c.dlqName} {
		err = c.checkQueueDeclaration(queueName)
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *RabbitMQClient) checkQueueDeclaration(queueName string) (err error) {
	_, isDeclared := queueDeclarationHistory[queueName]
	if !isDeclared {
		var args amqp.Table
		if queueName == c.retryQueueName {
			// Expired messages in the retry queue flow back into the work queue
			args = amqp.Table{
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": c.workQueueName,
			}
		}

		_, err := c.channel.QueueDeclare(
			queueName, // name
			true,      // durable
			false,     // delete when unused
			false,     // exclusive
			false,     // no-wait
			args,      // arguments
		)
		if err != nil {
			err2 := c.conn.Close()
			if err2 != nil {
				slog.Error("error occurred while closing connection", "error", err2.Error())
			}

			err2 = c.channel.Close()
			if err2 != nil {
				slog.Error("error occurred while closing channel", "error", err2.Error())
			}

			return err
		}

		queueDeclarationHistory[queueName] = true
	}

	return nil
}
