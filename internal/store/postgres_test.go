package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"site-scheduler/internal/models"
)

// txQuerier records statements and behaves like an open Postgres transaction:
// after a failed statement everything but ROLLBACK TO SAVEPOINT is rejected.
type txQuerier struct {
	stmts   []string
	args    [][]any
	aborted bool
	// fail returns the error a statement should fail with, or nil.
	fail func(sql string) error
	// affected is reported as the row count of every successful Exec.
	affected int64
	row      fakeRow
}

func normalize(sql string) string { return strings.Join(strings.Fields(sql), " ") }

func (q *txQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	sql = normalize(sql)
	q.stmts = append(q.stmts, sql)
	q.args = append(q.args, args)
	if strings.HasPrefix(sql, "ROLLBACK TO SAVEPOINT") {
		q.aborted = false
		return pgconn.NewCommandTag("ROLLBACK"), nil
	}
	if q.aborted {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "25P02", Message: "current transaction is aborted"}
	}
	if q.fail != nil {
		if err := q.fail(sql); err != nil {
			q.aborted = true
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", q.affected)), nil
}

func (q *txQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported")
}

func (q *txQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.stmts = append(q.stmts, normalize(sql))
	q.args = append(q.args, args)
	return q.row
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(r.vals))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *bool:
			*p = r.vals[i].(bool)
		case *int64:
			*p = r.vals[i].(int64)
		case *pgtype.Timestamptz:
			*p = r.vals[i].(pgtype.Timestamptz)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func uniqueViolationOnce() func(string) error {
	failed := false
	return func(sql string) error {
		if strings.HasPrefix(sql, "INSERT INTO scheduled_job_types") && !failed {
			failed = true
			return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
		}
		return nil
	}
}

func prefixes(stmts []string) []string {
	out := make([]string, len(stmts))
	for i, s := range stmts {
		fields := strings.Fields(s)
		n := 2
		if fields[0] == "ROLLBACK" || fields[0] == "RELEASE" {
			n = 3
		}
		if len(fields) < n {
			n = len(fields)
		}
		out[i] = strings.Join(fields[:n], " ")
	}
	return out
}

func TestPostgresDuplicateInsertKeepsTransactionUsable(t *testing.T) {
	ctx := context.Background()
	q := &txQuerier{fail: uniqueViolationOnce(), affected: 1}
	pg := NewPostgres(q)
	def := models.NewJobDefinition("app.tasks.sync", models.FrequencyCron, "0/30 * * * *")

	if err := pg.InsertJobDefinition(ctx, def); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if q.aborted {
		t.Fatalf("transaction left aborted after duplicate insert")
	}
	if err := pg.DeleteJobDefinition(ctx, def.Name); err != nil {
		t.Fatalf("delete after duplicate: %v", err)
	}
	if err := pg.InsertJobDefinition(ctx, def); err != nil {
		t.Fatalf("reinsert: %v", err)
	}

	want := []string{
		"SAVEPOINT insert_job_definition",
		"INSERT INTO",
		"ROLLBACK TO SAVEPOINT",
		"DELETE FROM",
		"SAVEPOINT insert_job_definition",
		"INSERT INTO",
		"RELEASE SAVEPOINT insert_job_definition",
	}
	got := prefixes(q.stmts)
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected statements:\n got %v\nwant %v", got, want)
	}
}

func TestPostgresFailedInsertIsNotDuplicate(t *testing.T) {
	ctx := context.Background()
	q := &txQuerier{fail: func(sql string) error {
		if strings.HasPrefix(sql, "INSERT INTO scheduled_job_types") {
			return &pgconn.PgError{Code: "23502", Message: "null value in column"}
		}
		return nil
	}}
	err := NewPostgres(q).InsertJobDefinition(ctx, models.NewJobDefinition("app.tasks.sync", models.FrequencyHourly, ""))
	if err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected a plain insert error, got %v", err)
	}
	if q.aborted {
		t.Fatalf("savepoint not rolled back")
	}
}

func TestPostgresRowCounts(t *testing.T) {
	ctx := context.Background()
	q := &txQuerier{affected: 0}
	pg := NewPostgres(q)

	if err := pg.DeleteJobDefinition(ctx, "tasks.missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete of missing row: %v", err)
	}
	if err := pg.SetStopped(ctx, "tasks.missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stop of missing row: %v", err)
	}
	if err := pg.UpdateJobRun(ctx, 7, models.RunComplete, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal transition: %v", err)
	}
	last := q.args[len(q.args)-1]
	if last[0] != int64(7) || last[1] != string(models.RunComplete) || last[3] != string(models.RunStart) {
		t.Fatalf("update job run guarded on wrong args %v", last)
	}

	q.affected = 3
	n, err := pg.PurgeJobRuns(ctx, time.Now())
	if err != nil || n != 3 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if err := pg.SetStopped(ctx, "tasks.sync", true); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestPostgresScans(t *testing.T) {
	ctx := context.Background()
	q := &txQuerier{}
	pg := NewPostgres(q)

	q.row = fakeRow{vals: []any{true}}
	ok, err := pg.JobDefinitionExists(ctx, "app.tasks.sync", models.FrequencyCron, "0/30 * * * *")
	if err != nil || !ok {
		t.Fatalf("exists: %v %v", ok, err)
	}
	if args := q.args[len(q.args)-1]; args[1] != "Cron" || args[2] != "0/30 * * * *" {
		t.Fatalf("exists queried with %v", args)
	}

	q.row = fakeRow{vals: []any{int64(42)}}
	id, err := pg.InsertJobRun(ctx, "tasks.sync", models.RunStart)
	if err != nil || id != 42 {
		t.Fatalf("insert run: id=%d err=%v", id, err)
	}

	q.row = fakeRow{vals: []any{pgtype.Timestamptz{}}}
	if _, found, err := pg.LastJobRunAt(ctx); err != nil || found {
		t.Fatalf("empty table should report no run, found=%v err=%v", found, err)
	}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.row = fakeRow{vals: []any{pgtype.Timestamptz{Time: at, Valid: true}}}
	got, found, err := pg.LastActivityAt(ctx)
	if err != nil || !found || !got.Equal(at) {
		t.Fatalf("last activity: %v %v %v", got, found, err)
	}

	q.row = fakeRow{err: pgx.ErrNoRows}
	flags, err := pg.SchedulerFlags(ctx)
	if err != nil || flags.Inactive() {
		t.Fatalf("missing settings row should read as active, got %+v err=%v", flags, err)
	}
	q.row = fakeRow{vals: []any{false, true, false}}
	if flags, _ := pg.SchedulerFlags(ctx); !flags.Paused {
		t.Fatalf("expected paused flags, got %+v", flags)
	}
	if _, err := pg.GetJobDefinition(ctx, "tasks.none"); err == nil {
		t.Fatalf("expected scan error for a missing definition")
	}
	q.row = fakeRow{err: pgx.ErrNoRows}
	if _, err := pg.GetJobDefinition(ctx, "tasks.none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
