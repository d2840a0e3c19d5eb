package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yourorg/abtest/pkg/types"
)

// HTTPSink POSTs records to an abtest server. Each record is sent once;
// failed deliveries are returned to the caller and not retried.
type HTTPSink struct {
	BaseURL    string
	HTTPClient *http.Client
	// Header is added to every request, e.g. a CSRF token.
	Header http.Header
}

// NewHTTPSink returns a sink posting to baseURL with the given timeout.
func NewHTTPSink(baseURL string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Participation(ctx context.Context, p types.Participation) error {
	return s.post(ctx, types.ParticipationPath, p.Payload())
}

func (s *HTTPSink) Event(ctx context.Context, e types.Event) error {
	return s.post(ctx, types.EventPath, e.Payload())
}

func (s *HTTPSink) post(ctx context.Context, path string, payload any) error {
	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(s.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ir types.IngestResponse
		if json.Unmarshal(data, &ir) == nil && ir.Message != "" {
			return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, ir.Message)
		}
		return fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}
	return nil
}
