// ABOUTME: Latched readiness flag built on Cell
// ABOUTME: Transitions false to true once and never flaps back

package readiness

import (
	"context"
	"time"
)

// Signal is a level-triggered, latched boolean.
type Signal struct {
	cell *Cell[bool]
}

// NewSignal returns a Signal that is not ready.
func NewSignal() *Signal {
	return &Signal{cell: NewCell(false)}
}

// MarkReady latches the signal. Calling it again has no further effect
// beyond waking waiters.
func (s *Signal) MarkReady() {
	s.cell.Set(true)
}

// IsReady reports the current level.
func (s *Signal) IsReady() bool {
	return s.cell.Get()
}

// Wait blocks until the signal is ready or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	_, err := s.cell.Wait(ctx, isTrue)
	return err
}

// WaitTimeout blocks until the signal is ready, d elapses (ErrTimeout),
// or ctx is done.
func (s *Signal) WaitTimeout(ctx context.Context, d time.Duration) error {
	_, err := s.cell.WaitTimeout(ctx, d, isTrue)
	return err
}

func isTrue(v bool) bool { return v }
