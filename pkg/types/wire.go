package types

import "time"

// Ingest routes shared by the HTTP sink and the server.
const (
	ParticipationPath = "/api/ab-testing/participation/"
	EventPath         = "/api/ab-testing/event/"
)

// ParticipationPayload is the JSON body POSTed for a participation.
// Timestamp is in Unix milliseconds, as sent by browsers.
type ParticipationPayload struct {
	ExperimentID string `json:"experimentId"`
	Variant      string `json:"variant"`
	UserID       string `json:"userId"`
	Timestamp    int64  `json:"timestamp"`
	URL          string `json:"url,omitempty"`
}

// EventPayload is the JSON body POSTed for an event.
type EventPayload struct {
	EventType   string            `json:"eventType"`
	EventData   map[string]any    `json:"eventData,omitempty"`
	UserID      string            `json:"userId"`
	Timestamp   int64             `json:"timestamp"`
	URL         string            `json:"url,omitempty"`
	Experiments map[string]string `json:"experiments,omitempty"`
}

// IngestResponse is the envelope returned by the ingest endpoints.
type IngestResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (p Participation) Payload() ParticipationPayload {
	return ParticipationPayload{
		ExperimentID: p.ExperimentID,
		Variant:      p.Variant,
		UserID:       p.UserID,
		Timestamp:    millis(p.Timestamp),
		URL:          p.URL,
	}
}

func (p ParticipationPayload) Participation() Participation {
	return Participation{
		ExperimentID: p.ExperimentID,
		Variant:      p.Variant,
		UserID:       p.UserID,
		Timestamp:    fromMillis(p.Timestamp),
		URL:          p.URL,
	}
}

func (e Event) Payload() EventPayload {
	return EventPayload{
		EventType:   e.EventType,
		EventData:   e.EventData,
		UserID:      e.UserID,
		Timestamp:   millis(e.Timestamp),
		URL:         e.URL,
		Experiments: e.Experiments,
	}
}

func (p EventPayload) Event() Event {
	return Event{
		EventType:   p.EventType,
		EventData:   p.EventData,
		UserID:      p.UserID,
		Timestamp:   fromMillis(p.Timestamp),
		URL:         p.URL,
		Experiments: p.Experiments,
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis maps 0 to the zero time so stores can stamp it themselves.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
