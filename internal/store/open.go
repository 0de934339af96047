// ABOUTME: Backend selection for the record store
// ABOUTME: Open builds a Store for the configured driver; Probe checks reachability without keeping it

package store

import (
	"context"
	"fmt"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Options selects and addresses a store backend.
type Options struct {
	Driver    string
	Path      string // sqlite
	URL       string // redis, postgres
	Namespace string
	Database  string
	Username  string
	Password  string
}

// Open connects to the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		path := opts.Path
		if path == "" {
			path = ":memory:"
		}
		return NewSQLiteStore(path)
	case DriverRedis:
		return NewRedisStore(ctx, opts)
	case DriverPostgres:
		return NewPostgresStore(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// Probe opens the backend, pings it and closes it again.
func Probe(ctx context.Context, opts Options) error {
	s, err := Open(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Ping(ctx)
}
