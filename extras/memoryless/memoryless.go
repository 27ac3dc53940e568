// Package memoryless helps repeated calls to a function be distributed across
// time in a memoryless fashion.
// Adapted from https://github.com/m-lab/go/blob/master/memoryless/memoryless.go

// SPDX-License-Identifier: Apache-2.0
// (c) Peter Boothe

package memoryless

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ooni/minispeed/internal/model"
)

// Config describes the distribution of the waits between repeated runs.
type Config struct {
	// Expected is the mean wait.
	Expected time.Duration

	// Min and Max clamp every wait. A zero Max means no upper bound.
	Min, Max time.Duration

	// Logger, if not nil, is told about every wait time.
	Logger model.Logger
}

func (c Config) waittime() time.Duration {
	wt := time.Duration(rand.ExpFloat64() * float64(c.Expected))
	if wt < c.Min {
		wt = c.Min
	}
	if c.Max != 0 && wt > c.Max {
		wt = c.Max
	}
	if c.Logger != nil {
		c.Logger.Infof("memoryless: waiting %s", wt)
	}
	return wt
}

// Check returns an error unless Min <= Expected <= Max (or Max is zero).
func (c Config) Check() error {
	if c.Min < 0 || c.Min > c.Expected || (c.Max != 0 && c.Expected > c.Max) {
		return fmt.Errorf("invalid wait bounds: want Min(%v) <= Expected(%v) <= Max(%v)",
			c.Min, c.Expected, c.Max)
	}
	return nil
}

// NewTimer returns a timer firing after an exponentially distributed wait,
// so that a series of such timers makes a memoryless schedule.
func NewTimer(c Config) (*time.Timer, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	return time.NewTimer(c.waittime()), nil
}

// Sleep waits for a memoryless amount of time or until ctx is done, in
// which case it returns the context error.
func Sleep(ctx context.Context, c Config) error {
	t, err := NewTimer(c)
	if err != nil {
		return err
	}
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
