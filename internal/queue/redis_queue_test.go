package queue

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"site-scheduler/internal/models"
)

func newTestBroker(t *testing.T, fleet string) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b, err := NewBroker(client, fleet, MsgpackCodec{})
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	return b, mr
}

func item(id, queue, site string) models.WorkItem {
	return models.WorkItem{
		JobID:      id,
		Tenant:     site,
		User:       "Administrator",
		Method:     "app.tasks.ping",
		Kwargs:     models.Kwargs{"n": int64(1)},
		Queue:      queue,
		Timeout:    300 * time.Second,
		FailureTTL: time.Hour,
		ResultTTL:  10 * time.Minute,
	}
}

func TestPushDequeueOrder(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, "fleet1")

	for _, id := range []string{"a", "b"} {
		if err := b.Push(ctx, item(id, "default", "site1")); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	front := item("c", "default", "site1")
	front.AtFront = true
	if err := b.Push(ctx, front); err != nil {
		t.Fatalf("push front: %v", err)
	}

	var got []string
	for {
		job, err := b.Dequeue(ctx, []string{"default"}, 0, "w1")
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if job == nil {
			break
		}
		if job.Queue != "default" {
			t.Fatalf("unexpected queue %q", job.Queue)
		}
		got = append(got, job.ID)
	}
	if strings.Join(got, ",") != "c,a,b" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestDequeueQueuePriority(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, "fleet1")
	_ = b.Push(ctx, item("slow", "long", "site1"))
	_ = b.Push(ctx, item("fast", "short", "site1"))

	job, err := b.Dequeue(ctx, []string{"short", "default", "long"}, 0, "w1")
	if err != nil || job == nil || job.ID != "fast" {
		t.Fatalf("expected short queue first, got %+v err=%v", job, err)
	}
}

func TestBlockingDequeueTimesOut(t *testing.T) {
	b, _ := newTestBroker(t, "fleet1")
	job, err := b.Dequeue(context.Background(), []string{"default"}, 100*time.Millisecond, "w1")
	if err != nil || job != nil {
		t.Fatalf("expected empty result, got %+v err=%v", job, err)
	}
}

func TestIsEnqueuedLifecycle(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, "fleet1")

	if ok, err := b.IsEnqueued(ctx, "site1::x"); err != nil || ok {
		t.Fatalf("unknown job should not be enqueued: %v %v", ok, err)
	}
	_ = b.Push(ctx, item("site1::x", "default", "site1"))
	if ok, _ := b.IsEnqueued(ctx, "site1::x"); !ok {
		t.Fatalf("queued job should be enqueued")
	}
	job, err := b.Dequeue(ctx, []string{"default"}, 0, "w1")
	if err != nil || job == nil {
		t.Fatalf("dequeue: %v", err)
	}
	if status, _ := b.Status(ctx, job.ID); status != models.StatusStarted {
		t.Fatalf("expected started, got %s", status)
	}
	if ok, _ := b.IsEnqueued(ctx, job.ID); !ok {
		t.Fatalf("started job should count as enqueued")
	}
	if err := b.Finish(ctx, job, map[string]any{"rows": int64(3)}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if ok, _ := b.IsEnqueued(ctx, job.ID); ok {
		t.Fatalf("finished job should not be enqueued")
	}
	info, err := b.Fetch(ctx, job.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if info.Status != models.StatusFinished || info.Worker != "w1" || info.StartedAt == nil {
		t.Fatalf("unexpected info %+v", info)
	}
	res, ok := info.Result.(map[string]any)
	if !ok || res["rows"] != int64(3) {
		t.Fatalf("unexpected result %#v", info.Result)
	}
}

func TestFailAndCleanRegistries(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, "fleet1")
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	b.Clock = func() time.Time { return now }

	it := item("lost", "default", "site1")
	it.Timeout = time.Second
	_ = b.Push(ctx, it)
	if _, err := b.Dequeue(ctx, []string{"default"}, 0, "w1"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	abandoned, purged, err := b.CleanRegistries(ctx, 100)
	if err != nil || abandoned != 0 || purged != 0 {
		t.Fatalf("nothing should be expired yet: %d %d %v", abandoned, purged, err)
	}

	now = now.Add(2 * time.Minute)
	abandoned, _, err = b.CleanRegistries(ctx, 100)
	if err != nil || abandoned != 1 {
		t.Fatalf("expected one abandoned job, got %d err=%v", abandoned, err)
	}
	if status, _ := b.Status(ctx, "lost"); status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	failed, err := b.FailedJobs(ctx, 10)
	if err != nil || len(failed) != 1 || failed[0].ExcInfo == "" {
		t.Fatalf("unexpected failed registry %+v err=%v", failed, err)
	}

	now = now.Add(2 * time.Hour)
	_, purged, err = b.CleanRegistries(ctx, 100)
	if err != nil || purged != 1 {
		t.Fatalf("expected one purged job, got %d err=%v", purged, err)
	}
	if _, err := b.Status(ctx, "lost"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected job gone, got %v", err)
	}
}

func TestPurgeAndPending(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, "fleet1")
	a1 := item("a1", "default", "siteA")
	a1.Event = "hourly"
	a2 := item("a2", "long", "siteA")
	b1 := item("b1", "default", "siteB")
	b1.Event = "hourly"
	for _, it := range []models.WorkItem{a1, a2, b1} {
		_ = b.Push(ctx, it)
	}
	queues := []string{"short", "default", "long"}

	pending, err := b.Pending(ctx, queues, "siteA")
	if err != nil || pending["default"] != 1 || pending["long"] != 1 {
		t.Fatalf("unexpected pending %v err=%v", pending, err)
	}

	n, err := b.Purge(ctx, queues, "", "hourly")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 purged by event, got %d err=%v", n, err)
	}
	n, _ = b.Purge(ctx, queues, "siteA", "")
	if n != 1 {
		t.Fatalf("expected 1 purged by tenant, got %d", n)
	}
	depth, _ := b.ReadyDepth(ctx, queues)
	if depth != 0 {
		t.Fatalf("expected empty queues, got %d", depth)
	}
}

func TestRequestStop(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, "fleet1")
	_ = b.Push(ctx, item("waiting", "default", "site1"))
	_ = b.Push(ctx, item("running", "short", "site1"))

	if err := b.RequestStop(ctx, "waiting"); err != nil {
		t.Fatalf("stop queued: %v", err)
	}
	if status, _ := b.Status(ctx, "waiting"); status != models.StatusStopped {
		t.Fatalf("expected queued job stopped, got %s", status)
	}

	job, _ := b.Dequeue(ctx, []string{"short", "default"}, 0, "w1")
	if job == nil || job.ID != "running" {
		t.Fatalf("expected running job, got %+v", job)
	}
	if err := b.RequestStop(ctx, "running"); err != nil {
		t.Fatalf("stop started: %v", err)
	}
	if ok, _ := b.StopRequested(ctx, "running"); !ok {
		t.Fatalf("expected stop request")
	}
	if err := b.MarkStopped(ctx, job); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}
	if ok, _ := b.StopRequested(ctx, "running"); ok {
		t.Fatalf("stop request should be cleared")
	}
	if err := b.RequestStop(ctx, "running"); !errors.Is(err, ErrNotStoppable) {
		t.Fatalf("expected not stoppable, got %v", err)
	}
}

func TestFleetIsolation(t *testing.T) {
	ctx := context.Background()
	a, mr := newTestBroker(t, "fleetA")
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	other, _ := NewBroker(client, "fleetB", MsgpackCodec{})

	_ = a.Push(ctx, item("x", "default", "site1"))
	if job, _ := other.Dequeue(ctx, []string{"default"}, 0, "w"); job != nil {
		t.Fatalf("fleetB saw fleetA work: %+v", job)
	}
	for _, k := range mr.Keys() {
		if !strings.HasPrefix(k, "fleetA:") {
			t.Fatalf("key %q escapes the fleet namespace", k)
		}
	}
	if !mr.Exists("fleetA:rq:queue:default") {
		t.Fatalf("queue list not stored under the fleet's broker keys: %v", mr.Keys())
	}
}

func TestCodecRoundTrip(t *testing.T) {
	in := item("rt", "default", "site1")
	in.Kwargs = models.Kwargs{
		"n":      int64(3),
		"f":      1.5,
		"s":      "text",
		"nested": map[string]any{"list": []any{"a", int64(1), true}},
	}
	in.EnqueuedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var codec Codec = MsgpackCodec{}
	data, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out models.WorkItem
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in.Kwargs, out.Kwargs) {
		t.Fatalf("kwargs mismatch:\n in=%#v\nout=%#v", in.Kwargs, out.Kwargs)
	}
	if out.Tenant != "site1" || out.Timeout != in.Timeout || !out.EnqueuedAt.Equal(in.EnqueuedAt) {
		t.Fatalf("metadata mismatch %+v", out)
	}

	codec, _ = CodecByName("json")
	data, _ = codec.Marshal(in)
	out = models.WorkItem{}
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("json unmarshal: %v", err)
	}
	nested, ok := out.Kwargs["nested"].(map[string]any)
	if !ok || len(nested["list"].([]any)) != 3 || out.Kwargs["n"] != float64(3) {
		t.Fatalf("json kwargs mismatch %#v", out.Kwargs)
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Fatalf("expected unknown codec error")
	}
}

func TestACLRules(t *testing.T) {
	rules := strings.Join(ACLRules("fleet1"), " ")
	if !strings.Contains(rules, "~fleet1:*") || !strings.Contains(rules, "-@admin") {
		t.Fatalf("unexpected rules %s", rules)
	}
	if err := ValidateFleet("bad:fleet"); err == nil {
		t.Fatalf("expected fleet with colon to be rejected")
	}
	if err := ValidateFleet(""); err == nil {
		t.Fatalf("expected empty fleet to be rejected")
	}
}

func TestIsConnectivityError(t *testing.T) {
	b, mr := newTestBroker(t, "fleet1")
	mr.Close()
	err := b.Push(context.Background(), item("x", "default", "site1"))
	if err == nil || !IsConnectivityError(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	if IsConnectivityError(errors.New("WRONGTYPE")) {
		t.Fatalf("plain error misclassified")
	}
}
