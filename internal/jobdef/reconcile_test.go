package jobdef

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"site-scheduler/internal/models"
	"site-scheduler/internal/store"
	"site-scheduler/internal/tenant"
)

var errTxAborted = &pgconn.PgError{Code: "25P02", Message: "current transaction is aborted, commands ignored until end of transaction block"}

// abortingStore rejects every call after a failed statement until the
// transaction ends, like a Postgres transaction. Not-found lookups are plain
// empty results and do not abort.
type abortingStore struct {
	store.Store
	aborted bool
}

func (s *abortingStore) track(err error) error {
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.aborted = true
	}
	return err
}

func (s *abortingStore) ListJobDefinitions(ctx context.Context) ([]models.JobDefinition, error) {
	if s.aborted {
		return nil, errTxAborted
	}
	defs, err := s.Store.ListJobDefinitions(ctx)
	return defs, s.track(err)
}

func (s *abortingStore) GetJobDefinition(ctx context.Context, name string) (models.JobDefinition, error) {
	if s.aborted {
		return models.JobDefinition{}, errTxAborted
	}
	def, err := s.Store.GetJobDefinition(ctx, name)
	return def, s.track(err)
}

func (s *abortingStore) JobDefinitionExists(ctx context.Context, method string, freq models.Frequency, cronExpr string) (bool, error) {
	if s.aborted {
		return false, errTxAborted
	}
	ok, err := s.Store.JobDefinitionExists(ctx, method, freq, cronExpr)
	return ok, s.track(err)
}

func (s *abortingStore) InsertJobDefinition(ctx context.Context, def models.JobDefinition) error {
	if s.aborted {
		return errTxAborted
	}
	return s.track(s.Store.InsertJobDefinition(ctx, def))
}

func (s *abortingStore) DeleteJobDefinition(ctx context.Context, name string) error {
	if s.aborted {
		return errTxAborted
	}
	return s.track(s.Store.DeleteJobDefinition(ctx, name))
}

func (s *abortingStore) ScriptExists(ctx context.Context, ref string) (bool, error) {
	if s.aborted {
		return false, errTxAborted
	}
	ok, err := s.Store.ScriptExists(ctx, ref)
	return ok, s.track(err)
}

type abortingConn struct {
	*tenant.MemoryConn
	st *abortingStore
}

func (c *abortingConn) Store() store.Store { return c.st }

func (c *abortingConn) Commit(ctx context.Context) error {
	if c.st.aborted {
		c.st.aborted = false
		_ = c.MemoryConn.Rollback(ctx)
		return errTxAborted
	}
	return c.MemoryConn.Commit(ctx)
}

func (c *abortingConn) Rollback(ctx context.Context) error {
	c.st.aborted = false
	return c.MemoryConn.Rollback(ctx)
}

func TestReconcileRescheduleKeepsTransactionUsable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, "app.tasks.sync", models.FrequencyCron, "0/15 * * * *")
	f.insert(t, "app.tasks.digest", models.FrequencyDaily, "")

	st := &abortingStore{Store: f.store}
	sess := tenant.NewSession(&abortingConn{MemoryConn: f.conn, st: st}, tenant.SystemUser)
	sources := []models.EventSource{
		{Frequency: models.FrequencyCron, CronExpression: "0/30 * * * *", Methods: []string{"app.tasks.sync"}},
		{Frequency: models.FrequencyDailyLong, Methods: []string{"app.tasks.digest"}},
		{Frequency: models.FrequencyHourly, Methods: []string{"app.tasks.ping"}},
	}
	res, err := f.reg.Reconcile(ctx, sess, sources)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Updated != 2 || res.Inserted != 1 || res.Deleted != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if st.aborted {
		t.Fatalf("transaction left aborted")
	}
	if f.conn.Commits() != 1 {
		t.Fatalf("expected one commit, got %d", f.conn.Commits())
	}

	sync, err := f.store.GetJobDefinition(ctx, "tasks.sync")
	if err != nil || sync.CronExpression != "0/30 * * * *" {
		t.Fatalf("cron not rescheduled: %+v err=%v", sync, err)
	}
	digest, err := f.store.GetJobDefinition(ctx, "tasks.digest")
	if err != nil || digest.Frequency != models.FrequencyDailyLong {
		t.Fatalf("frequency not moved: %+v err=%v", digest, err)
	}

	res, err = f.reg.Reconcile(ctx, sess, sources)
	if err != nil || res.Inserted != 0 || res.Updated != 0 {
		t.Fatalf("second pass should be a no-op, got %+v err=%v", res, err)
	}
}

// TestReconcileOnPostgres runs against a real tenant database when
// TEST_TENANT_DSN points at one.
func TestReconcileOnPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_TENANT_DSN")
	if dsn == "" {
		t.Skip("TEST_TENANT_DSN not set")
	}
	ctx := context.Background()
	f := newFixture(t)

	conn, err := tenant.NewPGConnector(dsn).Connect(ctx, "site1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(ctx) })
	q, ok := conn.(store.Querier)
	if !ok {
		t.Fatalf("postgres connection does not expose a querier")
	}
	if err := store.RunMigrations(ctx, q); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM scheduled_job_types`); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := conn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	sess := tenant.NewSession(conn, tenant.SystemUser)
	every := func(expr string) []models.EventSource {
		return []models.EventSource{{Frequency: models.FrequencyCron, CronExpression: expr, Methods: []string{"app.tasks.sync"}}}
	}
	if res, err := f.reg.Reconcile(ctx, sess, every("0/15 * * * *")); err != nil || res.Inserted != 1 {
		t.Fatalf("first reconcile %+v err=%v", res, err)
	}
	if res, err := f.reg.Reconcile(ctx, sess, every("0/30 * * * *")); err != nil || res.Updated != 1 {
		t.Fatalf("reschedule %+v err=%v", res, err)
	}
	def, err := conn.Store().GetJobDefinition(ctx, "tasks.sync")
	if err != nil || def.CronExpression != "0/30 * * * *" {
		t.Fatalf("unexpected definition %+v err=%v", def, err)
	}

	if err := conn.Store().InsertJobDefinition(ctx, def); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := conn.Store().ListJobDefinitions(ctx); err != nil {
		t.Fatalf("transaction unusable after duplicate insert: %v", err)
	}
	if err := conn.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}
