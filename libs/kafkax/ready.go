package kafkax

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

var ErrNoBrokers = errors.New("kafka brokers not configured")

// ReadyCheck passes when at least one broker accepts a connection.
func ReadyCheck(brokers string) func(context.Context) error {
	list := SplitBrokers(brokers)
	dialer := &kafka.Dialer{Timeout: 2 * time.Second}
	return func(ctx context.Context) error {
		if len(list) == 0 {
			return ErrNoBrokers
		}
		var errs []error
		for _, broker := range list {
			conn, err := dialer.DialContext(ctx, "tcp", broker)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", broker, err))
				continue
			}
			_ = conn.Close()
			return nil
		}
		return errors.Join(errs...)
	}
}
