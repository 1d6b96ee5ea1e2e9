package sagaflow

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies the current time. It is injected so runs and repository
// cleanups are reproducible in tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// IDGenerator produces run identifiers. Every Execute call draws a fresh one.
type IDGenerator func() string

// NewRunID is the default IDGenerator.
func NewRunID() string {
	return uuid.NewString()
}
