package health

import (
	"context"
	"errors"
	"fmt"
)

// Credential fails while no upstream API key is configured.
func Credential(configured func() bool) Checker {
	return Checker{
		Name: "credential",
		Check: func(context.Context) error {
			if !configured() {
				return errors.New("upstream API key is not configured")
			}
			return nil
		},
	}
}

// Pinger is satisfied by storage backends that can probe their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Storage fails when the history backend cannot be reached.
func Storage(p Pinger) Checker {
	return Checker{
		Name: "storage",
		Check: func(ctx context.Context) error {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("history storage: %w", err)
			}
			return nil
		},
	}
}

// Sessions fails once the number of live recognition sessions reaches limit.
// A limit <= 0 never fails.
func Sessions(count func() int, limit int) Checker {
	return Checker{
		Name: "asr_sessions",
		Check: func(context.Context) error {
			if n := count(); limit > 0 && n >= limit {
				return fmt.Errorf("%d live sessions (limit %d)", n, limit)
			}
			return nil
		},
	}
}
