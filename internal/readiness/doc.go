// Package readiness provides level-triggered signals shared between subsystems.
//
// # Cell
//
// Cell holds a single value that any number of goroutines can read or wait on:
//
//	c := readiness.NewCell(0)
//	go c.Update(func(n int) int { return n + 1 })
//	n, err := c.Wait(ctx, func(n int) bool { return n >= 1 })
//
// Waiters that arrive after a change still observe the current value
// immediately; Wait never misses a transition that already happened.
//
// # Signal
//
// Signal is a latched boolean Cell. Once marked ready it stays ready for
// the remainder of the process:
//
//	sig := readiness.NewSignal()
//	go sig.MarkReady()
//	if err := sig.WaitTimeout(ctx, 30*time.Second); err != nil {
//	    // readiness.ErrTimeout or ctx error
//	}
package readiness
