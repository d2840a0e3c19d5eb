// Package sanitize redacts sensitive values from tracked events before they
// are persisted.
package sanitize

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/yourorg/abtest/internal/config"
	"github.com/yourorg/abtest/pkg/types"
)

// Config is an alias of config.SanitizeConfig.
type Config = config.SanitizeConfig

// Sanitizer applies one redaction policy. Key matching is case-insensitive.
type Sanitizer struct {
	fields      map[string]struct{}
	params      map[string]struct{}
	replacement string
}

func New(cfg Config) *Sanitizer {
	return &Sanitizer{
		fields:      toLowerSet(cfg.Fields),
		params:      toLowerSet(cfg.QueryParams),
		replacement: cfg.Replacement,
	}
}

// Event returns a copy of e with sensitive data fields and URL query
// parameters redacted.
func (s *Sanitizer) Event(e types.Event) types.Event {
	e.EventData = s.Data(e.EventData)
	e.URL = s.URL(e.URL)
	e.Raw = s.Raw(e.Raw)
	return e
}

// Participation returns a copy of p with its URL redacted.
func (s *Sanitizer) Participation(p types.Participation) types.Participation {
	p.URL = s.URL(p.URL)
	return p
}

// Data redacts matching keys at any depth. The input map is not modified.
func (s *Sanitizer) Data(in map[string]any) map[string]any {
	if len(in) == 0 {
		return in
	}
	out, _ := s.value(in).(map[string]any)
	return out
}

// URL redacts matching query parameters. Unparseable input is returned as is.
func (s *Sanitizer) URL(raw string) string {
	if raw == "" || len(s.params) == 0 || !strings.Contains(raw, "?") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for k, vs := range q {
		if _, ok := s.params[strings.ToLower(k)]; !ok {
			continue
		}
		for i := range vs {
			vs[i] = s.replacement
		}
		changed = true
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Raw redacts a JSON document the same way as Data and also redacts query
// parameters of any "url" string in it. Documents that do not parse are
// dropped rather than stored unredacted.
func (s *Sanitizer) Raw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil
	}
	doc = s.value(doc)
	if obj, ok := doc.(map[string]any); ok {
		if u, ok := obj["url"].(string); ok {
			obj["url"] = s.URL(u)
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return out
}

func (s *Sanitizer) value(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v2 := range val {
			if _, ok := s.fields[strings.ToLower(k)]; ok {
				out[k] = s.replacement
				continue
			}
			out[k] = s.value(v2)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = s.value(val[i])
		}
		return out
	default:
		return val
	}
}

func toLowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, v := range items {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
