package models

import "time"

// Kwargs are the keyword arguments passed to a method.
type Kwargs map[string]any

// JobStatus enumerates broker-side lifecycle states of a WorkItem.
const (
	StatusQueued   = "queued"
	StatusStarted  = "started"
	StatusFinished = "finished"
	StatusFailed   = "failed"
	StatusStopped  = "stopped"
)

// WorkItem is the payload placed on the broker. It is never persisted by this core.
type WorkItem struct {
	JobID      string        `json:"job_id" msgpack:"job_id"`
	Tenant     string        `json:"site" msgpack:"site"`
	User       string        `json:"user" msgpack:"user"`
	Method     string        `json:"method" msgpack:"method"`
	Event      string        `json:"event,omitempty" msgpack:"event,omitempty"`
	Kwargs     Kwargs        `json:"kwargs" msgpack:"kwargs"`
	Queue      string        `json:"queue" msgpack:"queue"`
	Timeout    time.Duration `json:"timeout" msgpack:"timeout"`
	OnSuccess  string        `json:"on_success,omitempty" msgpack:"on_success,omitempty"`
	OnFailure  string        `json:"on_failure,omitempty" msgpack:"on_failure,omitempty"`
	OnStopped  string        `json:"on_stopped,omitempty" msgpack:"on_stopped,omitempty"`
	AtFront    bool          `json:"at_front,omitempty" msgpack:"at_front,omitempty"`
	FailureTTL time.Duration `json:"failure_ttl" msgpack:"failure_ttl"`
	ResultTTL  time.Duration `json:"result_ttl" msgpack:"result_ttl"`
	EnqueuedAt time.Time     `json:"enqueued_at" msgpack:"enqueued_at"`
}
