package ringco

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultDrainGrace bounds how long a draining loop waits for its
	// instances before abandoning them.
	DefaultDrainGrace = 5 * time.Second
)

// Config holds the settings of one thread loop.
type Config struct {
	// Name labels the loop's logs and metrics.
	Name string

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics is optional.
	Metrics *Metrics

	// IdleTimeout bounds every blocking wait for completions. Zero
	// waits until a completion or a mailbox wake arrives.
	IdleTimeout time.Duration

	// BusyPoll is the number of consecutive idle iterations the loop
	// spins through before it blocks.
	BusyPoll int

	// DrainGrace bounds how long a draining loop waits for its
	// instances. Zero selects DefaultDrainGrace.
	DrainGrace time.Duration

	// Pin locks the thread running Run to CPU. Coroutine bodies run on
	// their own goroutines, which are neither locked nor pinned, so only
	// the loop's completion routing, mailbox and flushes stay on CPU.
	Pin bool
	CPU int

	// Signals start draining when delivered to the process.
	Signals []os.Signal

	// MailboxLimit caps the number of undelivered messages; zero means
	// no limit.
	MailboxLimit int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "loop"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	return c
}

func (c Config) validate() error {
	var errs []error
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("IdleTimeout %v is negative", c.IdleTimeout))
	}
	if c.BusyPoll < 0 {
		errs = append(errs, fmt.Errorf("BusyPoll %d is negative", c.BusyPoll))
	}
	if c.DrainGrace < 0 {
		errs = append(errs, fmt.Errorf("DrainGrace %v is negative", c.DrainGrace))
	}
	if c.Pin && c.CPU < 0 {
		errs = append(errs, fmt.Errorf("CPU %d is negative", c.CPU))
	}
	if c.MailboxLimit < 0 {
		errs = append(errs, fmt.Errorf("MailboxLimit %d is negative", c.MailboxLimit))
	}
	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("ringco: invalid config: %w", err)
	}
	return nil
}
