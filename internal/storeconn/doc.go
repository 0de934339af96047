// Package storeconn owns the process-wide record store connection.
//
// Manager connects once (concurrent callers share one attempt), publishes a
// level-triggered readiness signal, and hands out leases so the connection
// outlives every dependent that is still using it. Manager.Run is the
// supervised subsystem: it optionally starts and health-checks a local
// store container, connects, marks ready, and on shutdown waits for leases
// to drain before closing the store and stopping the container.
package storeconn
