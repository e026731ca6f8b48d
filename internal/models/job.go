package models

import (
	"strings"
	"time"
)

// Frequency is the schedule class of a recurring job definition.
type Frequency string

const (
	FrequencyAll         Frequency = "All"
	FrequencyHourly      Frequency = "Hourly"
	FrequencyHourlyLong  Frequency = "Hourly Long"
	FrequencyDaily       Frequency = "Daily"
	FrequencyDailyLong   Frequency = "Daily Long"
	FrequencyWeekly      Frequency = "Weekly"
	FrequencyWeeklyLong  Frequency = "Weekly Long"
	FrequencyMonthly     Frequency = "Monthly"
	FrequencyMonthlyLong Frequency = "Monthly Long"
	FrequencyYearly      Frequency = "Yearly"
	FrequencyCron        Frequency = "Cron"
)

// Frequencies lists every supported frequency.
var Frequencies = []Frequency{
	FrequencyAll,
	FrequencyHourly, FrequencyHourlyLong,
	FrequencyDaily, FrequencyDailyLong,
	FrequencyWeekly, FrequencyWeeklyLong,
	FrequencyMonthly, FrequencyMonthlyLong,
	FrequencyYearly,
	FrequencyCron,
}

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	for _, known := range Frequencies {
		if f == known {
			return true
		}
	}
	return false
}

// IsLong reports whether jobs of this frequency belong on the long queue.
func (f Frequency) IsLong() bool {
	return strings.HasSuffix(string(f), " Long")
}

// FrequencyFromEventType maps a declared event type such as "hourly_long" to "Hourly Long".
func FrequencyFromEventType(eventType string) Frequency {
	words := strings.Fields(strings.ReplaceAll(eventType, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return Frequency(strings.Join(words, " "))
}

// JobDefinition is a persisted recurring unit of work for one tenant.
type JobDefinition struct {
	Name           string     `json:"name"`
	Method         string     `json:"method"`
	Frequency      Frequency  `json:"frequency"`
	CronExpression string     `json:"cron_expression,omitempty"`
	LastExecution  *time.Time `json:"last_execution,omitempty"`
	CreateLog      bool       `json:"create_log"`
	Stopped        bool       `json:"stopped"`
	ScriptRef      string     `json:"script_ref,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// JobDefinitionName derives the stable definition name from the final two dotted segments of a method.
func JobDefinitionName(method string) string {
	parts := strings.Split(method, ".")
	if len(parts) <= 2 {
		return method
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// NewJobDefinition builds a definition with derived name and log policy.
func NewJobDefinition(method string, freq Frequency, cronExpr string) JobDefinition {
	return JobDefinition{
		Name:           JobDefinitionName(method),
		Method:         method,
		Frequency:      freq,
		CronExpression: cronExpr,
		CreateLog:      freq != FrequencyAll,
	}
}

// DedupKey is the caller-supplied job id used to keep one scheduled run in flight.
func (d JobDefinition) DedupKey() string {
	return "scheduled::" + d.Method
}

// Queue returns the logical queue scheduled runs of this definition go to.
func (d JobDefinition) Queue() string {
	if d.Frequency.IsLong() {
		return "long"
	}
	return "default"
}

// EventSource is one declared group of scheduled methods sharing a frequency.
// CronExpression is set only for FrequencyCron.
type EventSource struct {
	Frequency      Frequency
	CronExpression string
	Methods        []string
}

// RunStatus is the state of a JobRun log row.
type RunStatus string

const (
	RunStart    RunStatus = "Start"
	RunComplete RunStatus = "Complete"
	RunFailed   RunStatus = "Failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunComplete || s == RunFailed
}

// JobRun is one logged execution attempt of a JobDefinition.
type JobRun struct {
	ID            int64     `json:"id"`
	JobDefinition string    `json:"job_definition"`
	Status        RunStatus `json:"status"`
	Details       string    `json:"details,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SchedulerFlags are the tenant-level kill switches checked on every tick.
type SchedulerFlags struct {
	MaintenanceMode bool `json:"maintenance_mode"`
	Paused          bool `json:"paused"`
	Disabled        bool `json:"disabled"`
}

// Inactive reports whether any kill switch is set.
func (f SchedulerFlags) Inactive() bool {
	return f.MaintenanceMode || f.Paused || f.Disabled
}
