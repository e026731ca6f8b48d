package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"site-scheduler/internal/models"
)

const sample = `
scheduler_events:
  all:
    - app.tasks.heartbeat
  hourly_long:
    - app.tasks.rebuild_index
  daily:
    - app.tasks.digest
    - app.tasks.cleanup
  cron:
    "0/15 * * * *":
      - app.tasks.sync
    "0 0 1 1 *":
      - app.tasks.new_year
before_job:
  - app.hooks.open_audit
after_job:
  - app.hooks.close_audit
`

func TestParseSchedulerEvents(t *testing.T) {
	h, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	events, err := h.SchedulerEvents()
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 sources, got %d: %+v", len(events), events)
	}

	byFreq := map[models.Frequency]models.EventSource{}
	var crons []models.EventSource
	for _, e := range events {
		if e.Frequency == models.FrequencyCron {
			crons = append(crons, e)
			continue
		}
		byFreq[e.Frequency] = e
	}
	if got := byFreq[models.FrequencyHourlyLong]; len(got.Methods) != 1 || got.Methods[0] != "app.tasks.rebuild_index" {
		t.Fatalf("unexpected hourly long source %+v", got)
	}
	if got := byFreq[models.FrequencyDaily]; len(got.Methods) != 2 {
		t.Fatalf("unexpected daily source %+v", got)
	}
	if _, ok := byFreq[models.FrequencyAll]; !ok {
		t.Fatalf("missing all source")
	}
	if len(crons) != 2 || crons[0].CronExpression != "0 0 1 1 *" || crons[1].Methods[0] != "app.tasks.sync" {
		t.Fatalf("unexpected cron sources %+v", crons)
	}
}

func TestGetHooks(t *testing.T) {
	h, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := h.Get(BeforeJob); len(got) != 1 || got[0] != "app.hooks.open_audit" {
		t.Fatalf("unexpected before_job %v", got)
	}
	if got := h.Get(AfterJob); len(got) != 1 || got[0] != "app.hooks.close_audit" {
		t.Fatalf("unexpected after_job %v", got)
	}
	if got := h.Get("missing"); len(got) != 0 {
		t.Fatalf("expected no hooks, got %v", got)
	}
}

func TestParseRejectsUnknownEventType(t *testing.T) {
	if _, err := Parse([]byte("scheduler_events:\n  fortnightly: [app.tasks.x]\n")); err == nil {
		t.Fatalf("expected unknown event type to fail")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(h.Get(AfterJob)) != 1 {
		t.Fatalf("expected after_job hook")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
