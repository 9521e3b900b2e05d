package database

import (
	"time"
)

// Search statuses.
const (
	SearchRunning   = "running"
	SearchCompleted = "completed"
	SearchFailed    = "failed"
)

type Search struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Metric      string         `json:"metric"`
	Mode        string         `json:"mode"`
	NumSamples  int            `json:"num_samples"`
	MaxUnits    int            `json:"max_units"`
	Request     map[string]any `json:"request,omitempty"`
	BestTrialID *string        `json:"best_trial_id,omitempty"`
	BestValue   *float64       `json:"best_value,omitempty"`
	Completed   int            `json:"completed"`
	Terminated  int            `json:"terminated"`
	Errored     int            `json:"errored"`
	Error       *string        `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// SearchResult is written when a search finishes.
type SearchResult struct {
	Status      string
	BestTrialID *string
	BestValue   *float64
	Completed   int
	Terminated  int
	Errored     int
	Error       *string
}

type Trial struct {
	ID         string             `json:"id"`
	SearchID   string             `json:"search_id"`
	Config     map[string]any     `json:"config"`
	Status     string             `json:"status"`
	Unit       int                `json:"unit"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Checkpoint *string            `json:"checkpoint,omitempty"`
	Error      *string            `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

type Report struct {
	ID         int64              `json:"id"`
	TrialID    string             `json:"trial_id"`
	Unit       int                `json:"unit"`
	Metrics    map[string]float64 `json:"metrics"`
	ReportedAt time.Time          `json:"reported_at"`
}
