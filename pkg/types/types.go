package types

import (
	"encoding/json"
	"time"
)

// Window is the active date range of an experiment. Both ends are inclusive.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t lies within the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Experiment is one configured A/B experiment.
type Experiment struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Variants    []string `json:"variants"`
	Traffic     float64  `json:"traffic"`
	Window      Window   `json:"window"`
	Metrics     []string `json:"metrics,omitempty"`
}

// Assignment is the variant computed for an identity in one experiment.
type Assignment struct {
	ExperimentID string `json:"experimentId"`
	Variant      string `json:"variant"`
	Identity     string `json:"identity"`
}

// Participation records that an identity was exposed to a variant.
type Participation struct {
	ID           string    `json:"id,omitempty"`
	ExperimentID string    `json:"experimentId"`
	Variant      string    `json:"variant"`
	UserID       string    `json:"userId"`
	Timestamp    time.Time `json:"timestamp"`
	URL          string    `json:"url,omitempty"`
}

// Event is one user interaction tagged with the active experiments.
type Event struct {
	ID          string            `json:"id,omitempty"`
	EventType   string            `json:"eventType"`
	EventData   map[string]any    `json:"eventData,omitempty"`
	UserID      string            `json:"userId"`
	Timestamp   time.Time         `json:"timestamp"`
	URL         string            `json:"url,omitempty"`
	Experiments map[string]string `json:"experiments,omitempty"`
	// Raw is the ingest request body as received, after redaction.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// VariantStats aggregates activity for one variant of an experiment.
type VariantStats struct {
	Variant        string         `json:"variant"`
	Participants   int            `json:"participants"`
	Participations int            `json:"participations"`
	Events         map[string]int `json:"events,omitempty"`
}

// ExperimentStats aggregates activity for one experiment.
type ExperimentStats struct {
	ExperimentID string         `json:"experimentId"`
	Variants     []VariantStats `json:"variants"`
}

// Report is the results summary across all experiments.
type Report struct {
	GeneratedAt time.Time         `json:"generatedAt"`
	Experiments []ExperimentStats `json:"experiments"`
}
