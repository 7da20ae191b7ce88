package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DispatchMessage is a wake-up hint: a job entered the dispatch pool, go
// look. The store stays the source of truth, so a lost or duplicate hint
// is harmless; consumers preview and claim through the store regardless.
type DispatchMessage struct {
	JobID string `json:"job_id"`
}

// ErrBadDispatch marks a hint the consumer cannot act on. Such deliveries
// are nacked without requeue so they dead-letter for inspection instead of
// cycling forever.
var ErrBadDispatch = errors.New("rabbitmq: malformed dispatch message")

// ParseDispatch decodes and validates a delivery body.
func ParseDispatch(body []byte) (DispatchMessage, error) {
	var msg DispatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return DispatchMessage{}, fmt.Errorf("%w: %v", ErrBadDispatch, err)
	}
	if msg.JobID == "" {
		return DispatchMessage{}, fmt.Errorf("%w: missing job_id", ErrBadDispatch)
	}
	return msg, nil
}

// DLQName returns the dead-letter queue paired with a dispatch queue.
func DLQName(queue string) string { return queue + ".dlq" }

// DeclareTopology declares the dispatch queue and its dead-letter target.
// Both the publisher and the consumer run it; RabbitMQ rejects redeclaring
// a queue with different arguments, so the declaration lives in one place.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(
		DLQName(queue),
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare %s: %w", DLQName(queue), err)
	}

	// Rejected hints (nack, requeue=false) land in the DLQ.
	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": DLQName(queue),
		},
	); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	return nil
}

// Publisher emits dispatch hints so idle workers wake up without waiting
// for their next poll tick.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishDispatch(ctx context.Context, jobID string) error {
	body, err := json.Marshal(DispatchMessage{JobID: jobID})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
