// Package relay implements the supervised agent message relay.
//
// # Tree
//
//	store                  storeconn.Manager: connect, readiness, leases
//	agents                 GroupSupervisor, waits for store readiness
//	  agents/<name>        AgentSupervisor (detached), one per agent
//	    .../listener       Listener (detached), owns the agent's feed
//
// NewRoot starts store and agents as siblings; ordering comes from the
// readiness signal, not from start order. Shutdown is initiated top-down
// and acknowledged bottom-up: every supervisor cancels and joins its
// children before returning, so a child's stop time never follows its
// parent's.
//
// # Listener
//
// A Listener subscribes to changes addressed to its agent and opens the
// agent's mailbox record. While Active it processes one event at a time in
// feed order. Deleted events, mailbox events and redelivered keys are
// skipped; message payloads are dispatched by variant to logging, optional
// history archival and an optional Handler. On cancellation it closes the
// feed first, then deletes the mailbox, so its own delete is never read.
//
// # Errors
//
//   - ErrReadinessTimeout: the store was not ready in time; no agents start
//   - SubscribeError: a listener could not subscribe; fatal to that agent only
//   - RelayError: Send could not write the message; returned to the caller
package relay
