// Package hooks loads the declared scheduler events and job hooks from YAML.
package hooks

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"site-scheduler/internal/models"
)

const (
	BeforeJob = "before_job"
	AfterJob  = "after_job"
)

// Hooks is the parsed hooks file.
//
//	scheduler_events:
//	  hourly: [app.tasks.refresh]
//	  daily_long: [app.tasks.rebuild_index]
//	  cron:
//	    "0/15 * * * *": [app.tasks.sync]
//	before_job: [app.hooks.open_audit]
//	after_job: [app.hooks.close_audit]
type Hooks struct {
	events map[string]yaml.Node
	lists  map[string][]string
}

type file struct {
	SchedulerEvents map[string]yaml.Node `yaml:"scheduler_events"`
	Lists           map[string][]string  `yaml:",inline"`
}

// Load reads and parses a hooks file.
func Load(path string) (*Hooks, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hooks file: %w", err)
	}
	return Parse(data)
}

// Parse decodes hooks YAML and validates the scheduler_events section.
func Parse(data []byte) (*Hooks, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hooks: %w", err)
	}
	h := &Hooks{events: f.SchedulerEvents, lists: f.Lists}
	if h.lists == nil {
		h.lists = map[string][]string{}
	}
	if _, err := h.SchedulerEvents(); err != nil {
		return nil, err
	}
	return h, nil
}

// Empty returns hooks with nothing declared.
func Empty() *Hooks {
	return &Hooks{lists: map[string][]string{}}
}

// Get returns the references declared under a hook name, in file order.
func (h *Hooks) Get(name string) []string {
	if h == nil {
		return nil
	}
	out := make([]string, len(h.lists[name]))
	copy(out, h.lists[name])
	return out
}

// SchedulerEvents returns the declared scheduled-method sources. Event types
// are returned in sorted order; cron expressions likewise.
func (h *Hooks) SchedulerEvents() ([]models.EventSource, error) {
	if h == nil {
		return nil, nil
	}
	keys := make([]string, 0, len(h.events))
	for k := range h.events {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []models.EventSource
	for _, k := range keys {
		node := h.events[k]
		if k == "cron" {
			var byExpr map[string][]string
			if err := node.Decode(&byExpr); err != nil {
				return nil, fmt.Errorf("scheduler_events.cron: %w", err)
			}
			exprs := make([]string, 0, len(byExpr))
			for e := range byExpr {
				exprs = append(exprs, e)
			}
			sort.Strings(exprs)
			for _, e := range exprs {
				out = append(out, models.EventSource{
					Frequency:      models.FrequencyCron,
					CronExpression: e,
					Methods:        byExpr[e],
				})
			}
			continue
		}
		freq := models.FrequencyFromEventType(k)
		if !freq.Valid() || freq == models.FrequencyCron {
			return nil, fmt.Errorf("scheduler_events: unknown event type %q", k)
		}
		var methods []string
		if err := node.Decode(&methods); err != nil {
			return nil, fmt.Errorf("scheduler_events.%s: %w", k, err)
		}
		out = append(out, models.EventSource{Frequency: freq, Methods: methods})
	}
	return out, nil
}
