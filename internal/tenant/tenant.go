// Package tenant connects to one tenant's database and carries the explicit
// per-request context (tenant, user, connection, flags) through the core.
package tenant

import (
	"context"
	"errors"
	"sync"

	"site-scheduler/internal/store"
)

// SystemUser is the acting user for work the scheduler initiates.
const SystemUser = "Administrator"

// Conn is an open, transactional connection to one tenant database.
type Conn interface {
	Tenant() string
	Store() store.Store
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
	// AfterCommit registers fn to run once the current transaction commits.
	// Registered callbacks are discarded if the transaction rolls back.
	AfterCommit(fn func(ctx context.Context) error)
}

// Connector opens tenant connections.
type Connector interface {
	Connect(ctx context.Context, tenant string) (Conn, error)
}

// Directory lists the tenants known to the fleet.
type Directory interface {
	Tenants(ctx context.Context) ([]string, error)
}

// StaticDirectory is a fixed tenant list, normally from configuration.
type StaticDirectory []string

func (d StaticDirectory) Tenants(context.Context) ([]string, error) {
	out := make([]string, len(d))
	copy(out, d)
	return out, nil
}

// Flags alter how calls made under a Session behave.
type Flags struct {
	// InMigrate marks a bulk-migration context: enqueue falls back to inline
	// execution when the broker is unreachable.
	InMigrate bool
	// ExecuteDirectly makes scheduled jobs run inline instead of being enqueued.
	ExecuteDirectly bool
	// Sync makes every enqueue run inline.
	Sync bool
}

// Session is built once per request or job and discarded at the end.
type Session struct {
	Tenant string
	User   string
	Conn   Conn
	Flags  Flags
}

// NewSession binds a session to an open connection.
func NewSession(conn Conn, user string) *Session {
	return &Session{Tenant: conn.Tenant(), User: user, Conn: conn}
}

// Store returns the tenant store bound to the session's connection.
func (s *Session) Store() store.Store {
	if s.Conn == nil {
		return nil
	}
	return s.Conn.Store()
}

// callbacks is the transaction-scoped after-commit list shared by Conn implementations.
type callbacks struct {
	mu  sync.Mutex
	fns []func(ctx context.Context) error
}

func (c *callbacks) add(fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

func (c *callbacks) take() []func(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := c.fns
	c.fns = nil
	return fns
}

func (c *callbacks) clear() {
	c.take()
}

// drain runs callbacks in registration order. Every callback runs even if an earlier one fails.
func (c *callbacks) drain(ctx context.Context) error {
	var errs []error
	for _, fn := range c.take() {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
