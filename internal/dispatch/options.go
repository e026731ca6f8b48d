package dispatch

import "time"

type options struct {
	queue       string
	timeout     time.Duration
	jobID       string
	atFront     bool
	afterCommit bool
	now         bool
	event       string
	onSuccess   string
	onFailure   string
	onStopped   string
	failureTTL  time.Duration
	resultTTL   time.Duration
}

// Option customizes a single Enqueue call.
type Option func(*options)

// WithQueue routes the item to a logical queue. Defaults to "default".
func WithQueue(name string) Option { return func(o *options) { o.queue = name } }

// WithTimeout overrides the queue's execution timeout.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithJobID sets a caller-supplied id, namespaced to the tenant and used for dedup.
func WithJobID(id string) Option { return func(o *options) { o.jobID = id } }

// AtFront places the item at the head of its queue.
func AtFront() Option { return func(o *options) { o.atFront = true } }

// AfterCommit defers the push until the session's transaction commits.
func AfterCommit() Option { return func(o *options) { o.afterCommit = true } }

// Now runs the method inline and returns its result.
func Now() Option { return func(o *options) { o.now = true } }

// WithEvent tags the item for bulk purge.
func WithEvent(event string) Option { return func(o *options) { o.event = event } }

// OnSuccess names a registered callback the worker runs after the item succeeds.
func OnSuccess(name string) Option { return func(o *options) { o.onSuccess = name } }

// OnFailure names a registered callback the worker runs after the item fails.
func OnFailure(name string) Option { return func(o *options) { o.onFailure = name } }

// OnStopped names a registered callback the worker runs when the item is stopped.
func OnStopped(name string) Option { return func(o *options) { o.onStopped = name } }

// WithFailureTTL overrides how long a failed item is retained.
func WithFailureTTL(d time.Duration) Option { return func(o *options) { o.failureTTL = d } }

// WithResultTTL overrides how long a result is retained.
func WithResultTTL(d time.Duration) Option { return func(o *options) { o.resultTTL = d } }
