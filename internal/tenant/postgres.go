package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"site-scheduler/internal/store"
)

// PGConnector opens a dedicated connection per call. Connections are never
// shared across tenants.
type PGConnector struct {
	// DSNTemplate contains a "{tenant}" placeholder.
	DSNTemplate string
}

// NewPGConnector returns a connector for the given DSN template.
func NewPGConnector(dsnTemplate string) *PGConnector {
	return &PGConnector{DSNTemplate: dsnTemplate}
}

// DSN renders the connection string for a tenant.
func (c *PGConnector) DSN(tenant string) string {
	return strings.ReplaceAll(c.DSNTemplate, "{tenant}", tenant)
}

// Connect opens the tenant database and begins a transaction.
func (c *PGConnector) Connect(ctx context.Context, tenant string) (Conn, error) {
	conn, err := pgx.Connect(ctx, c.DSN(tenant))
	if err != nil {
		return nil, fmt.Errorf("connect tenant %s: %w", tenant, err)
	}
	pc, err := openPGConn(ctx, tenant, conn)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// pgDB is the part of *pgx.Conn a PGConn uses.
type pgDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

func openPGConn(ctx context.Context, tenant string, db pgDB) (*PGConn, error) {
	pc := &PGConn{tenant: tenant, conn: db}
	if err := pc.begin(ctx); err != nil {
		_ = db.Close(ctx)
		return nil, err
	}
	return pc, nil
}

// PGConn is a tenant connection with exactly one open transaction at a time.
// A new transaction begins after every commit or rollback.
type PGConn struct {
	tenant string
	conn   pgDB
	tx     pgx.Tx
	after  callbacks
}

var (
	_ Conn          = (*PGConn)(nil)
	_ store.Querier = (*PGConn)(nil)
)

func (c *PGConn) begin(ctx context.Context) error {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tenant %s: %w", c.tenant, err)
	}
	c.tx = tx
	return nil
}

func (c *PGConn) Tenant() string { return c.tenant }

// Store returns a store that always targets the currently open transaction.
func (c *PGConn) Store() store.Store { return store.NewPostgres(c) }

func (c *PGConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.tx.Exec(ctx, sql, args...)
}

func (c *PGConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.tx.Query(ctx, sql, args...)
}

func (c *PGConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.tx.QueryRow(ctx, sql, args...)
}

func (c *PGConn) AfterCommit(fn func(ctx context.Context) error) { c.after.add(fn) }

// Commit commits, starts the next transaction and then drains after-commit callbacks.
func (c *PGConn) Commit(ctx context.Context) error {
	if err := c.tx.Commit(ctx); err != nil {
		c.after.clear()
		_ = c.begin(ctx)
		return fmt.Errorf("commit tenant %s: %w", c.tenant, err)
	}
	if err := c.begin(ctx); err != nil {
		c.after.clear()
		return err
	}
	return c.after.drain(ctx)
}

// Rollback discards the transaction and any pending after-commit callbacks.
func (c *PGConn) Rollback(ctx context.Context) error {
	c.after.clear()
	if err := c.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback tenant %s: %w", c.tenant, err)
	}
	return c.begin(ctx)
}

// Close rolls back uncommitted work and closes the connection.
func (c *PGConn) Close(ctx context.Context) error {
	c.after.clear()
	if c.tx != nil {
		_ = c.tx.Rollback(ctx)
	}
	return c.conn.Close(ctx)
}
