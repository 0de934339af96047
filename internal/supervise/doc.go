// Package supervise runs a tree of concurrently executing subsystems with
// ordered, acknowledged shutdown.
//
// # Overview
//
// A subsystem is a function that receives a *Handle:
//
//	func run(h *supervise.Handle) error {
//	    <-h.ShutdownRequested()
//	    return nil
//	}
//
// The Toplevel owns the root of the tree and the process-wide cancellation:
//
//	tl := supervise.NewToplevel(ctx, logger)
//	tl.Start("store", storeSubsystem)
//	tl.Start("agents", agentsSubsystem)
//	err := tl.Wait(4 * time.Second)
//
// # Children
//
// Handle.Start launches a child and returns a *Nested handle. A regular child
// inherits its parent's shutdown request, and a failure in it requests a
// shutdown of the whole tree. A Detached child does neither: its failure is
// only recorded on its Nested handle, and the parent must call
// InitiateShutdown and Join explicitly.
//
// # Ordering
//
// A subsystem is reported stopped only after its function has returned and
// every child it started has stopped. If a function returns while children
// are still running, they are asked to shut down and joined first. The stop
// hook (WithStopHook) receives stop times in that order.
//
// # Errors
//
// Failures are wrapped in *SubsystemError. Toplevel.Wait returns the join of
// all failures from non-detached subsystems, and ErrShutdownTimeout when the
// tree did not stop within the shutdown budget.
package supervise
