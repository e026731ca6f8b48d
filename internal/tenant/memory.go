package tenant

import (
	"context"
	"fmt"
	"sync"

	"site-scheduler/internal/store"
)

// MemoryConnector hands out connections backed by in-memory stores, one per tenant.
// Writes are not transactional: Rollback only discards after-commit callbacks.
type MemoryConnector struct {
	mu     sync.Mutex
	stores map[string]*store.Memory
	fail   map[string]error
	conns  map[string][]*MemoryConn
}

var _ Connector = (*MemoryConnector)(nil)

// NewMemoryConnector returns a connector that lazily creates tenant stores.
func NewMemoryConnector() *MemoryConnector {
	return &MemoryConnector{
		stores: make(map[string]*store.Memory),
		fail:   make(map[string]error),
		conns:  make(map[string][]*MemoryConn),
	}
}

// Store returns (creating if needed) the backing store of a tenant.
func (c *MemoryConnector) Store(tenant string) *store.Memory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeLocked(tenant)
}

func (c *MemoryConnector) storeLocked(tenant string) *store.Memory {
	st, ok := c.stores[tenant]
	if !ok {
		st = store.NewMemory()
		c.stores[tenant] = st
	}
	return st
}

// FailWith makes Connect for tenant return err. A nil err clears the failure.
func (c *MemoryConnector) FailWith(tenant string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fail, tenant)
		return
	}
	c.fail[tenant] = err
}

func (c *MemoryConnector) Connect(_ context.Context, tenant string) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[tenant]; err != nil {
		return nil, fmt.Errorf("connect tenant %s: %w", tenant, err)
	}
	conn := &MemoryConn{tenant: tenant, store: c.storeLocked(tenant)}
	c.conns[tenant] = append(c.conns[tenant], conn)
	return conn, nil
}

// Conns returns every connection opened for tenant, oldest first.
func (c *MemoryConnector) Conns(tenant string) []*MemoryConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*MemoryConn, len(c.conns[tenant]))
	copy(out, c.conns[tenant])
	return out
}

// MemoryConn counts transaction calls so tests can assert on them.
type MemoryConn struct {
	tenant string
	store  *store.Memory
	after  callbacks

	mu        sync.Mutex
	commits   int
	rollbacks int
	closed    bool
}

var _ Conn = (*MemoryConn)(nil)

// NewMemoryConn wraps an existing store without a connector.
func NewMemoryConn(tenant string, st *store.Memory) *MemoryConn {
	return &MemoryConn{tenant: tenant, store: st}
}

func (c *MemoryConn) Tenant() string     { return c.tenant }
func (c *MemoryConn) Store() store.Store { return c.store }

func (c *MemoryConn) AfterCommit(fn func(ctx context.Context) error) { c.after.add(fn) }

func (c *MemoryConn) Commit(ctx context.Context) error {
	c.mu.Lock()
	c.commits++
	c.mu.Unlock()
	return c.after.drain(ctx)
}

func (c *MemoryConn) Rollback(context.Context) error {
	c.mu.Lock()
	c.rollbacks++
	c.mu.Unlock()
	c.after.clear()
	return nil
}

func (c *MemoryConn) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.after.clear()
	return nil
}

// Commits returns the number of Commit calls.
func (c *MemoryConn) Commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

// Rollbacks returns the number of Rollback calls.
func (c *MemoryConn) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

// Closed reports whether Close was called.
func (c *MemoryConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
