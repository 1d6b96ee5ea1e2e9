package sagaflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock advances by tick on every reading.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	tick time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch, tick: time.Millisecond}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.tick)
	return t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func sequentialIDs(prefix string) IDGenerator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// callLog records action and compensate invocations in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) filter(prefix string) []string {
	var out []string
	for _, c := range l.list() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out
}

// okStep returns out and logs "do:name" and "undo:name".
func okStep(log *callLog, name string, out Context) *Step {
	return MustStep(name,
		func(context.Context, Context) (Context, error) {
			log.add("do:" + name)
			return out, nil
		},
		func(context.Context, Context) error {
			log.add("undo:" + name)
			return nil
		},
	)
}

// failStep always fails with err.
func failStep(log *callLog, name string, err error) *Step {
	return MustStep(name,
		func(context.Context, Context) (Context, error) {
			log.add("do:" + name)
			return nil, err
		},
		func(context.Context, Context) error {
			log.add("undo:" + name)
			return nil
		},
	)
}
