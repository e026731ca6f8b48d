// Package methods maps method names to executable Go functions. The map is
// built at process start; names are never evaluated at runtime.
package methods

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"site-scheduler/internal/models"
	"site-scheduler/internal/tenant"
)

// ErrNotRegistered is returned when a name has no registered function.
var ErrNotRegistered = errors.New("methods: not registered")

// Method is a unit of work invoked by name with keyword arguments.
type Method func(ctx context.Context, s *tenant.Session, kwargs models.Kwargs) (any, error)

// HookContext is passed to before_job and after_job hooks. Result and Err are
// only populated for after hooks.
type HookContext struct {
	Method string
	Kwargs models.Kwargs
	Result any
	Err    error
}

// Hook runs around every job execution.
type Hook func(ctx context.Context, s *tenant.Session, hc HookContext) error

// Outcome describes how a work item ended, for lifecycle callbacks.
type Outcome struct {
	Status string
	Result any
	Err    error
}

// Callback is an on_success, on_failure or on_stopped handler.
type Callback func(ctx context.Context, item models.WorkItem, outcome Outcome) error

// Registry holds every callable the worker and scheduler may resolve by name.
type Registry struct {
	mu        sync.RWMutex
	methods   map[string]Method
	hooks     map[string]Hook
	callbacks map[string]Callback
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		methods:   make(map[string]Method),
		hooks:     make(map[string]Hook),
		callbacks: make(map[string]Callback),
	}
}

func checkName(kind, name string, nilFn bool, exists bool) error {
	if name == "" {
		return fmt.Errorf("register %s: empty name", kind)
	}
	if nilFn {
		return fmt.Errorf("register %s %q: nil function", kind, name)
	}
	if exists {
		return fmt.Errorf("register %s %q: already registered", kind, name)
	}
	return nil
}

// Register binds a method name. Empty names, nil functions and duplicates are rejected.
func (r *Registry) Register(name string, fn Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.methods[name]
	if err := checkName("method", name, fn == nil, exists); err != nil {
		return err
	}
	r.methods[name] = fn
	return nil
}

// MustRegister is Register that panics, for wiring done at process start.
func (r *Registry) MustRegister(name string, fn Method) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// RegisterHook binds a before_job/after_job hook name.
func (r *Registry) RegisterHook(name string, fn Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.hooks[name]
	if err := checkName("hook", name, fn == nil, exists); err != nil {
		return err
	}
	r.hooks[name] = fn
	return nil
}

// RegisterCallback binds a lifecycle callback name.
func (r *Registry) RegisterCallback(name string, fn Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.callbacks[name]
	if err := checkName("callback", name, fn == nil, exists); err != nil {
		return err
	}
	r.callbacks[name] = fn
	return nil
}

// Has reports whether a method is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// Resolve returns the method registered under name.
func (r *Registry) Resolve(name string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.methods[name]
	if !ok {
		return nil, fmt.Errorf("method %q: %w", name, ErrNotRegistered)
	}
	return fn, nil
}

// Hooks resolves hook names in order.
func (r *Registry) Hooks(names []string) ([]Hook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Hook, 0, len(names))
	for _, n := range names {
		fn, ok := r.hooks[n]
		if !ok {
			return nil, fmt.Errorf("hook %q: %w", n, ErrNotRegistered)
		}
		out = append(out, fn)
	}
	return out, nil
}

// Callback resolves a lifecycle callback.
func (r *Registry) Callback(name string) (Callback, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.callbacks[name]
	if !ok {
		return nil, fmt.Errorf("callback %q: %w", name, ErrNotRegistered)
	}
	return fn, nil
}

// Names lists registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for n := range r.methods {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// PanicError wraps a value recovered from a panicking method.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Call invokes fn, converting a panic into a *PanicError.
func Call(ctx context.Context, fn Method, s *tenant.Session, kwargs models.Kwargs) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, s, kwargs)
}

// Traceback renders an error for the error log, including the stack of a recovered panic.
func Traceback(err error) string {
	if err == nil {
		return ""
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return fmt.Sprintf("%s\n\n%s", err.Error(), pe.Stack)
	}
	return err.Error()
}
