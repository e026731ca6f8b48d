package jobdef

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"site-scheduler/internal/config"
	"site-scheduler/internal/cron"
	"site-scheduler/internal/dispatch"
	"site-scheduler/internal/methods"
	"site-scheduler/internal/models"
	"site-scheduler/internal/queue"
	"site-scheduler/internal/store"
	"site-scheduler/internal/tenant"
)

var queues = []string{"short", "default", "long"}

type fixture struct {
	reg     *Registry
	methods *methods.Registry
	broker  *queue.Broker
	store   *store.Memory
	conn    *tenant.MemoryConn
	sess    *tenant.Session
	now     time.Time
	calls   map[string]int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b, _ := queue.NewBroker(client, "fleet1", queue.MsgpackCodec{})

	f := &fixture{
		methods: methods.NewRegistry(),
		broker:  b,
		store:   store.NewMemory(),
		now:     time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC),
		calls:   map[string]int{},
	}
	f.store.Clock = func() time.Time { return f.now }
	for _, name := range []string{"app.tasks.ping", "app.tasks.sync", "app.tasks.digest", "app.tasks.heartbeat"} {
		name := name
		f.methods.MustRegister(name, func(context.Context, *tenant.Session, models.Kwargs) (any, error) {
			f.calls[name]++
			return nil, nil
		})
	}
	f.methods.MustRegister("app.tasks.broken", func(context.Context, *tenant.Session, models.Kwargs) (any, error) {
		return nil, errors.New("division by zero")
	})
	f.methods.MustRegister("app.tasks.panics", func(context.Context, *tenant.Session, models.Kwargs) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{QueueTimeouts: config.DefaultQueueTimeouts(), FailureTTL: time.Hour, ResultTTL: time.Minute}
	d := dispatch.New(cfg, b, f.methods, logger)
	f.reg = NewRegistry(cron.NewEvaluator(60*time.Second), f.methods, d, logger)
	f.reg.Clock = func() time.Time { return f.now }
	if err := f.reg.Install(); err != nil {
		t.Fatalf("install: %v", err)
	}
	f.conn = tenant.NewMemoryConn("site1", f.store)
	f.sess = tenant.NewSession(f.conn, tenant.SystemUser)
	return f
}

func (f *fixture) insert(t *testing.T, method string, freq models.Frequency, cronExpr string) models.JobDefinition {
	t.Helper()
	def := models.NewJobDefinition(method, freq, cronExpr)
	if err := f.store.InsertJobDefinition(context.Background(), def); err != nil {
		t.Fatalf("insert %s: %v", method, err)
	}
	return def
}

func (f *fixture) depth(t *testing.T) int64 {
	t.Helper()
	n, err := f.broker.ReadyDepth(context.Background(), queues)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	return n
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sources := []models.EventSource{
		{Frequency: models.FrequencyHourly, Methods: []string{"app.tasks.ping", "app.tasks.unregistered"}},
		{Frequency: models.FrequencyDailyLong, Methods: []string{"app.tasks.digest"}},
		{Frequency: models.FrequencyCron, CronExpression: "0/15 * * * *", Methods: []string{"app.tasks.sync"}},
	}

	res, err := f.reg.Reconcile(ctx, f.sess, sources)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Inserted != 3 || res.Skipped != 1 || res.Deleted != 0 {
		t.Fatalf("unexpected first result %+v", res)
	}
	res, err = f.reg.Reconcile(ctx, f.sess, sources)
	if err != nil {
		t.Fatalf("reconcile again: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 0 || res.Deleted != 0 {
		t.Fatalf("second pass should change nothing, got %+v", res)
	}
	defs, _ := f.store.ListJobDefinitions(ctx)
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	digest, _ := f.store.GetJobDefinition(ctx, "tasks.digest")
	if digest.Frequency != models.FrequencyDailyLong || !digest.CreateLog {
		t.Fatalf("unexpected digest definition %+v", digest)
	}
}

func TestReconcileUpdatesCronAndDeletesUndeclared(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, "app.tasks.sync", models.FrequencyCron, "0/15 * * * *")
	f.insert(t, "app.tasks.ping", models.FrequencyHourly, "")
	scripted := models.NewJobDefinition("scripts.nightly_report", models.FrequencyDaily, "")
	scripted.ScriptRef = "Nightly Report"
	_ = f.store.InsertJobDefinition(ctx, scripted)
	f.store.AddScript("Nightly Report")

	sources := []models.EventSource{
		{Frequency: models.FrequencyCron, CronExpression: "0/30 * * * *", Methods: []string{"app.tasks.sync"}},
	}
	res, err := f.reg.Reconcile(ctx, f.sess, sources)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Updated != 1 || res.Deleted != 1 {
		t.Fatalf("expected one update and one delete, got %+v", res)
	}
	sync, _ := f.store.GetJobDefinition(ctx, "tasks.sync")
	if sync.CronExpression != "0/30 * * * *" {
		t.Fatalf("cron not updated: %+v", sync)
	}
	if _, err := f.store.GetJobDefinition(ctx, "tasks.ping"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("undeclared definition should be deleted, got %v", err)
	}
	if _, err := f.store.GetJobDefinition(ctx, scripted.Name); err != nil {
		t.Fatalf("script-backed definition should be kept: %v", err)
	}

	f.store.RemoveScript("Nightly Report")
	res, _ = f.reg.Reconcile(ctx, f.sess, sources)
	if res.Deleted != 1 {
		t.Fatalf("definition of a removed script should be deleted, got %+v", res)
	}
}

func TestMaybeEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := f.insert(t, "app.tasks.ping", models.FrequencyHourly, "")

	ok, err := f.reg.MaybeEnqueue(ctx, f.sess, def, false)
	if err != nil || !ok {
		t.Fatalf("first call should enqueue: ok=%v err=%v", ok, err)
	}
	ok, err = f.reg.MaybeEnqueue(ctx, f.sess, def, false)
	if err != nil || ok {
		t.Fatalf("second call should be deduplicated: ok=%v err=%v", ok, err)
	}
	if f.depth(t) != 1 {
		t.Fatalf("expected one in-flight item, got %d", f.depth(t))
	}
	info, err := f.broker.Fetch(ctx, "site1::scheduled::app.tasks.ping")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if info.Method != RunScheduledJobMethod || info.Item.Kwargs["job_type"] != "tasks.ping" || info.Queue != "default" {
		t.Fatalf("unexpected work item %+v", info)
	}
}

func TestMaybeEnqueuePolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stopped := models.NewJobDefinition("app.tasks.ping", models.FrequencyHourly, "")
	stopped.Stopped = true
	if ok, _ := f.reg.MaybeEnqueue(ctx, f.sess, stopped, true); ok {
		t.Fatalf("stopped definitions never enqueue")
	}

	last := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	recent := models.NewJobDefinition("app.tasks.digest", models.FrequencyDailyLong, "")
	recent.LastExecution = &last
	if ok, _ := f.reg.MaybeEnqueue(ctx, f.sess, recent, false); ok {
		t.Fatalf("not yet due")
	}
	if ok, err := f.reg.MaybeEnqueue(ctx, f.sess, recent, true); err != nil || !ok {
		t.Fatalf("force should enqueue: ok=%v err=%v", ok, err)
	}
	info, _ := f.broker.Fetch(ctx, "site1::scheduled::app.tasks.digest")
	if info.Queue != "long" || info.Item.Timeout != 1500*time.Second {
		t.Fatalf("long frequency should route to the long queue: %+v", info)
	}
}

func TestMaybeEnqueueExecuteDirectly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := f.insert(t, "app.tasks.ping", models.FrequencyHourly, "")
	f.sess.Flags.ExecuteDirectly = true

	ok, err := f.reg.MaybeEnqueue(ctx, f.sess, def, false)
	if err != nil || !ok {
		t.Fatalf("expected inline execution: ok=%v err=%v", ok, err)
	}
	if f.calls["app.tasks.ping"] != 1 || f.depth(t) != 0 {
		t.Fatalf("expected inline call and empty broker")
	}
}

func TestExecuteLogsStateMachine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ok := f.insert(t, "app.tasks.ping", models.FrequencyHourly, "")
	bad := f.insert(t, "app.tasks.broken", models.FrequencyHourly, "")
	boom := f.insert(t, "app.tasks.panics", models.FrequencyDaily, "")

	status, err := f.reg.Execute(ctx, f.sess, ok)
	if err != nil || status != models.RunComplete {
		t.Fatalf("expected Complete, got %s err=%v", status, err)
	}
	status, err = f.reg.Execute(ctx, f.sess, bad)
	if err != nil || status != models.RunFailed {
		t.Fatalf("expected Failed, got %s err=%v", status, err)
	}
	status, _ = f.reg.Execute(ctx, f.sess, boom)
	if status != models.RunFailed {
		t.Fatalf("panic should be captured as Failed, got %s", status)
	}
	// A second run of the same definition gets a fresh row.
	_, _ = f.reg.Execute(ctx, f.sess, ok)

	runs := f.store.JobRuns()
	if len(runs) != 4 {
		t.Fatalf("expected 4 runs, got %d", len(runs))
	}
	if runs[0].Status != models.RunComplete || runs[3].Status != models.RunComplete || runs[0].ID == runs[3].ID {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if runs[1].Status != models.RunFailed || !strings.Contains(runs[1].Details, "division by zero") {
		t.Fatalf("failed run should carry the error: %+v", runs[1])
	}
	if !strings.Contains(runs[2].Details, "goroutine") {
		t.Fatalf("panic run should carry a stack: %q", runs[2].Details)
	}
	if f.conn.Rollbacks() != 2 {
		t.Fatalf("expected a rollback per failure, got %d", f.conn.Rollbacks())
	}
	got, _ := f.store.GetJobDefinition(ctx, ok.Name)
	if got.LastExecution == nil || !got.LastExecution.Equal(f.now) {
		t.Fatalf("last execution not recorded: %+v", got)
	}
}

func TestExecuteAllFrequency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := f.insert(t, "app.tasks.heartbeat", models.FrequencyAll, "")
	if def.CreateLog {
		t.Fatalf("All definitions do not log")
	}
	if _, err := f.reg.Execute(ctx, f.sess, def); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(f.store.JobRuns()) != 0 {
		t.Fatalf("no run rows expected without create_log")
	}
	def, _ = f.store.GetJobDefinition(ctx, def.Name)
	if def.LastExecution == nil {
		t.Fatalf("All definitions must record last execution")
	}

	f.now = f.now.Add(30 * time.Second)
	if due, _ := f.reg.IsDue(def); due {
		t.Fatalf("should not be due right after execution")
	}
	f.now = f.now.Add(30 * time.Second)
	if due, _ := f.reg.IsDue(def); !due {
		t.Fatalf("should be due after the tick interval")
	}
}

func TestRunScheduledJobMethod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, "app.tasks.ping", models.FrequencyHourly, "")

	fn, err := f.methods.Resolve(RunScheduledJobMethod)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	out, err := fn(ctx, f.sess, models.Kwargs{"job_type": "tasks.ping"})
	if err != nil || out != string(models.RunComplete) {
		t.Fatalf("unexpected result %v err=%v", out, err)
	}
	if _, err := fn(ctx, f.sess, models.Kwargs{"job_type": "tasks.missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTriggerAndEnqueueAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, "app.tasks.ping", models.FrequencyHourly, "")
	f.insert(t, "app.tasks.digest", models.FrequencyDailyLong, "")
	stopped := f.insert(t, "app.tasks.sync", models.FrequencyHourly, "")
	if err := f.reg.SetStopped(ctx, f.sess, stopped.Name, true); err != nil {
		t.Fatalf("set stopped: %v", err)
	}

	if _, err := f.reg.Trigger(ctx, f.sess, "app.tasks.nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown event, got %v", err)
	}
	if status, err := f.reg.Trigger(ctx, f.sess, "app.tasks.sync"); err != nil || status != models.RunComplete {
		t.Fatalf("trigger should run even stopped definitions: %s %v", status, err)
	}

	enqueued, err := f.reg.EnqueueAll(ctx, f.sess)
	if err != nil {
		t.Fatalf("enqueue all: %v", err)
	}
	if len(enqueued) != 2 {
		t.Fatalf("expected two enqueued, got %v", enqueued)
	}
	depth, _ := f.broker.Depth(ctx, queues)
	if depth["default"] != 1 || depth["long"] != 1 {
		t.Fatalf("unexpected queue depth %v", depth)
	}

	f.now = f.now.Add(40 * 24 * time.Hour)
	n, err := f.reg.PurgeRuns(ctx, f.sess, 30*24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one purged run, got %d err=%v", n, err)
	}
}
