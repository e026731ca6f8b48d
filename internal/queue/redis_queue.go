// Package queue implements the broker protocol on Redis: per-queue lists, a job
// hash per work item, and started/failed registries kept as sorted sets.
// Every key lives under "<fleet>:" so one ACL pattern confines a credential to a fleet.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"site-scheduler/internal/config"
	"site-scheduler/internal/models"
)

var (
	ErrJobNotFound  = errors.New("queue: job not found")
	ErrNotStoppable = errors.New("queue: job is neither queued nor started")
)

// registryGrace is added to a job's timeout before the started registry treats it as abandoned.
const registryGrace = time.Minute

// Job is a dequeued work item.
type Job struct {
	ID    string
	Queue string
	Item  models.WorkItem
}

// JobInfo is the broker's view of a work item.
type JobInfo struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Queue      string          `json:"queue"`
	Tenant     string          `json:"site"`
	Method     string          `json:"method"`
	Event      string          `json:"event,omitempty"`
	Item       models.WorkItem `json:"item"`
	Result     any             `json:"result,omitempty"`
	ExcInfo    string          `json:"exc_info,omitempty"`
	Worker     string          `json:"worker,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
}

// Broker is the process-wide broker handle. Create once and share.
type Broker struct {
	client *redis.Client
	fleet  string
	codec  Codec

	// Clock drives registry scores; defaults to time.Now.
	Clock func() time.Time
}

// NewClient builds a Redis client from config using the fleet-scoped credentials.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewBroker wraps a client for one fleet.
func NewBroker(client *redis.Client, fleet string, codec Codec) (*Broker, error) {
	if err := ValidateFleet(fleet); err != nil {
		return nil, err
	}
	if codec == nil {
		codec = MsgpackCodec{}
	}
	return &Broker{client: client, fleet: fleet, codec: codec}, nil
}

// ValidateFleet rejects fleet ids that would break key-prefix isolation.
func ValidateFleet(fleet string) error {
	if fleet == "" {
		return errors.New("queue: empty fleet id")
	}
	if strings.ContainsAny(fleet, ":*?[]\\ \t\n") {
		return fmt.Errorf("queue: fleet id %q contains reserved characters", fleet)
	}
	return nil
}

// Fleet returns the namespace this broker is bound to.
func (b *Broker) Fleet() string { return b.fleet }

func (b *Broker) now() time.Time {
	if b.Clock != nil {
		return b.Clock()
	}
	return time.Now()
}

func (b *Broker) queueKey(queue string) string { return b.fleet + ":rq:queue:" + queue }
func (b *Broker) jobKey(id string) string      { return b.fleet + ":rq:job:" + id }
func (b *Broker) queuesKey() string            { return b.fleet + ":rq:queues" }
func (b *Broker) startedKey() string           { return b.fleet + ":rq:wip" }
func (b *Broker) failedKey() string            { return b.fleet + ":rq:failed" }
func (b *Broker) stopKey() string              { return b.fleet + ":rq:stop" }

func (b *Broker) queueFromKey(key string) string {
	return strings.TrimPrefix(key, b.fleet+":rq:queue:")
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func scoreAt(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// Push stores the work item and appends it to its queue, or prepends it when AtFront is set.
// A previous finished or failed record with the same id is replaced.
func (b *Broker) Push(ctx context.Context, item models.WorkItem) error {
	if item.JobID == "" {
		return errors.New("queue: work item has no job id")
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = b.now()
	}
	data, err := b.codec.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}
	key := b.jobKey(item.JobID)
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]any{
		"status":      models.StatusQueued,
		"codec":       b.codec.Name(),
		"data":        data,
		"queue":       item.Queue,
		"site":        item.Tenant,
		"method":      item.Method,
		"event":       item.Event,
		"timeout":     int64(item.Timeout / time.Second),
		"failure_ttl": int64(item.FailureTTL / time.Second),
		"enqueued_at": formatTime(item.EnqueuedAt),
	})
	pipe.SAdd(ctx, b.queuesKey(), item.Queue)
	pipe.ZRem(ctx, b.failedKey(), item.JobID)
	if item.AtFront {
		pipe.LPush(ctx, b.queueKey(item.Queue), item.JobID)
	} else {
		pipe.RPush(ctx, b.queueKey(item.Queue), item.JobID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue pops the next job from the first non-empty queue in order, blocking up to
// timeout. A non-positive timeout polls once without blocking. It returns nil when
// nothing is available.
func (b *Broker) Dequeue(ctx context.Context, queues []string, timeout time.Duration, worker string) (*Job, error) {
	keys := make([]string, 0, len(queues))
	for _, q := range queues {
		keys = append(keys, b.queueKey(q))
	}
	for {
		key, id, err := b.pop(ctx, keys, timeout)
		if err != nil || id == "" {
			return nil, err
		}
		job, err := b.start(ctx, id, worker)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		job.Queue = b.queueFromKey(key)
		return job, nil
	}
}

func (b *Broker) pop(ctx context.Context, keys []string, timeout time.Duration) (string, string, error) {
	if timeout <= 0 {
		for _, k := range keys {
			id, err := b.client.LPop(ctx, k).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return "", "", err
			}
			return k, id, nil
		}
		return "", "", nil
	}
	res, err := b.client.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", fmt.Errorf("unexpected blpop reply: %v", res)
	}
	return res[0], res[1], nil
}

func (b *Broker) decode(codecName, data string) (models.WorkItem, error) {
	codec, err := CodecByName(codecName)
	if err != nil {
		return models.WorkItem{}, err
	}
	var item models.WorkItem
	if err := codec.Unmarshal([]byte(data), &item); err != nil {
		return models.WorkItem{}, fmt.Errorf("decode work item: %w", err)
	}
	return item, nil
}

func (b *Broker) start(ctx context.Context, id, worker string) (*Job, error) {
	key := b.jobKey(id)
	vals, err := b.client.HMGet(ctx, key, "data", "codec").Result()
	if err != nil {
		return nil, err
	}
	data, _ := vals[0].(string)
	if data == "" {
		return nil, ErrJobNotFound
	}
	codecName, _ := vals[1].(string)
	item, err := b.decode(codecName, data)
	if err != nil {
		return nil, err
	}

	now := b.now()
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, "status", models.StatusStarted, "started_at", formatTime(now), "worker", worker)
	pipe.ZAdd(ctx, b.startedKey(), redis.Z{
		Score:  float64(now.Add(item.Timeout + registryGrace).UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &Job{ID: id, Item: item}, nil
}

// Status returns the broker status of a job.
func (b *Broker) Status(ctx context.Context, id string) (string, error) {
	status, err := b.client.HGet(ctx, b.jobKey(id), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrJobNotFound
	}
	return status, err
}

// IsEnqueued reports whether the job is queued or started.
func (b *Broker) IsEnqueued(ctx context.Context, id string) (bool, error) {
	status, err := b.Status(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == models.StatusQueued || status == models.StatusStarted, nil
}

// Finish records a successful result, kept for the item's result TTL.
// A zero TTL deletes the record immediately; a negative TTL keeps it.
func (b *Broker) Finish(ctx context.Context, job *Job, result any) error {
	fields := []any{"status", models.StatusFinished, "ended_at", formatTime(b.now())}
	if result != nil {
		enc, err := b.codec.Marshal(result)
		if err != nil {
			enc, _ = b.codec.Marshal(fmt.Sprint(result))
		}
		fields = append(fields, "result", enc)
	}
	key := b.jobKey(job.ID)
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.ZRem(ctx, b.startedKey(), job.ID)
	switch ttl := job.Item.ResultTTL; {
	case ttl > 0:
		pipe.Expire(ctx, key, ttl)
	case ttl == 0:
		pipe.Del(ctx, key)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Fail moves the job to the failed registry for its failure TTL.
func (b *Broker) Fail(ctx context.Context, job *Job, excInfo string) error {
	return b.toFailed(ctx, job.ID, models.StatusFailed, excInfo, job.Item.FailureTTL)
}

// MarkStopped records a job stopped on request and clears the request.
func (b *Broker) MarkStopped(ctx context.Context, job *Job) error {
	if err := b.toFailed(ctx, job.ID, models.StatusStopped, "stopped on request", job.Item.FailureTTL); err != nil {
		return err
	}
	return b.client.SRem(ctx, b.stopKey(), job.ID).Err()
}

func (b *Broker) toFailed(ctx context.Context, id, status, excInfo string, ttl time.Duration) error {
	now := b.now()
	key := b.jobKey(id)
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, "status", status, "exc_info", excInfo, "ended_at", formatTime(now))
	pipe.ZRem(ctx, b.startedKey(), id)
	pipe.ZAdd(ctx, b.failedKey(), redis.Z{Score: float64(now.Add(ttl).UnixMilli()), Member: id})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RequestStop asks the worker running a started job to stop it. A job still
// waiting in its queue is removed and marked stopped right away.
func (b *Broker) RequestStop(ctx context.Context, id string) error {
	status, err := b.Status(ctx, id)
	if err != nil {
		return err
	}
	switch status {
	case models.StatusStarted:
		return b.client.SAdd(ctx, b.stopKey(), id).Err()
	case models.StatusQueued:
		vals, err := b.client.HMGet(ctx, b.jobKey(id), "queue", "failure_ttl").Result()
		if err != nil {
			return err
		}
		queue, _ := vals[0].(string)
		if err := b.client.LRem(ctx, b.queueKey(queue), 0, id).Err(); err != nil {
			return err
		}
		return b.toFailed(ctx, id, models.StatusStopped, "stopped before start", secondsField(vals[1]))
	}
	return fmt.Errorf("stop %s (%s): %w", id, status, ErrNotStoppable)
}

// StopRequested reports whether a stop was requested for a started job.
func (b *Broker) StopRequested(ctx context.Context, id string) (bool, error) {
	return b.client.SIsMember(ctx, b.stopKey(), id).Result()
}

func secondsField(v any) time.Duration {
	s, _ := v.(string)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}

// CleanRegistries fails started jobs whose deadline passed (their worker is gone)
// and deletes failed jobs whose retention expired. It returns both counts.
func (b *Broker) CleanRegistries(ctx context.Context, limit int64) (abandoned int, purged int, err error) {
	now := b.now()
	ids, err := b.client.ZRangeByScore(ctx, b.startedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   scoreAt(now),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		ttl, _ := b.client.HGet(ctx, b.jobKey(id), "failure_ttl").Result()
		if err := b.toFailed(ctx, id, models.StatusFailed, "abandoned: worker did not finish before its deadline", secondsField(ttl)); err != nil {
			return abandoned, 0, err
		}
		abandoned++
	}

	expired, err := b.client.ZRangeByScore(ctx, b.failedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   scoreAt(now),
		Count: limit,
	}).Result()
	if err != nil {
		return abandoned, 0, err
	}
	if len(expired) == 0 {
		return abandoned, 0, nil
	}
	pipe := b.client.TxPipeline()
	for _, id := range expired {
		pipe.ZRem(ctx, b.failedKey(), id)
		pipe.Del(ctx, b.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return abandoned, 0, err
	}
	return abandoned, len(expired), nil
}

// scan walks queued ids in the given queues, calling fn with each id's tenant and event.
func (b *Broker) scan(ctx context.Context, queues []string, fn func(queue, id, site, event string) error) error {
	for _, q := range queues {
		ids, err := b.client.LRange(ctx, b.queueKey(q), 0, -1).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			vals, err := b.client.HMGet(ctx, b.jobKey(id), "site", "event").Result()
			if err != nil {
				return err
			}
			site, _ := vals[0].(string)
			event, _ := vals[1].(string)
			if err := fn(q, id, site, event); err != nil {
				return err
			}
		}
	}
	return nil
}

// Purge removes queued jobs matching tenant and event from the given queues.
// Empty filters match everything. It returns how many jobs were removed.
func (b *Broker) Purge(ctx context.Context, queues []string, tenant, event string) (int, error) {
	removed := 0
	err := b.scan(ctx, queues, func(q, id, site, ev string) error {
		if (tenant != "" && site != tenant) || (event != "" && ev != event) {
			return nil
		}
		pipe := b.client.TxPipeline()
		pipe.LRem(ctx, b.queueKey(q), 0, id)
		pipe.Del(ctx, b.jobKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

// Pending counts queued jobs per queue for a tenant (all tenants when empty).
func (b *Broker) Pending(ctx context.Context, queues []string, tenant string) (map[string]int, error) {
	out := make(map[string]int)
	err := b.scan(ctx, queues, func(q, _, site, _ string) error {
		if tenant == "" || site == tenant {
			out[q]++
		}
		return nil
	})
	return out, err
}

// Depth returns the length of each queue.
func (b *Broker) Depth(ctx context.Context, queues []string) (map[string]int64, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(queues))
	for _, q := range queues {
		cmds = append(cmds, pipe.LLen(ctx, b.queueKey(q)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(queues))
	for i, c := range cmds {
		out[queues[i]] = c.Val()
	}
	return out, nil
}

// ReadyDepth returns the total length of the given queues.
func (b *Broker) ReadyDepth(ctx context.Context, queues []string) (int64, error) {
	depth, err := b.Depth(ctx, queues)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range depth {
		total += n
	}
	return total, nil
}

// Queues lists every queue name that has ever received a job in this fleet.
func (b *Broker) Queues(ctx context.Context) ([]string, error) {
	names, err := b.client.SMembers(ctx, b.queuesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// FailedJobs returns up to limit jobs from the failed registry, newest expiry first.
func (b *Broker) FailedJobs(ctx context.Context, limit int64) ([]JobInfo, error) {
	ids, err := b.client.ZRevRange(ctx, b.failedKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]JobInfo, 0, len(ids))
	for _, id := range ids {
		info, err := b.Fetch(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Fetch loads everything the broker knows about a job.
func (b *Broker) Fetch(ctx context.Context, id string) (JobInfo, error) {
	h, err := b.client.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return JobInfo{}, err
	}
	if len(h) == 0 {
		return JobInfo{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	info := JobInfo{
		ID:        id,
		Status:    h["status"],
		Queue:     h["queue"],
		Tenant:    h["site"],
		Method:    h["method"],
		Event:     h["event"],
		ExcInfo:   h["exc_info"],
		Worker:    h["worker"],
		StartedAt: parseTime(h["started_at"]),
		EndedAt:   parseTime(h["ended_at"]),
	}
	if t := parseTime(h["enqueued_at"]); t != nil {
		info.EnqueuedAt = *t
	}
	if data := h["data"]; data != "" {
		item, err := b.decode(h["codec"], data)
		if err != nil {
			return JobInfo{}, err
		}
		info.Item = item
	}
	if raw := h["result"]; raw != "" {
		codec, err := CodecByName(h["codec"])
		if err == nil {
			var result any
			if err := codec.Unmarshal([]byte(raw), &result); err == nil {
				info.Result = result
			}
		}
	}
	return info, nil
}

// IsConnectivityError reports whether err means the broker could not be reached.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, redis.ErrClosed)
}
