package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dialAttempts = 5
	dialBackoff  = 2 * time.Second
)

// New dials the broker, retrying a few times so the worker can start before
// rabbitmq finishes booting. A throwaway channel verifies the connection is
// usable, not just accepted.
func New(ctx context.Context, url string) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(dialBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("dial rabbitmq canceled: %w", ctx.Err())
			case <-timer.C:
			}
		}
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq failed after %d attempts: %w", dialAttempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	_ = ch.Close()

	return conn, nil
}
