package sanitize

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/abtest/pkg/types"
)

const redacted = "***REDACTED***"

func testSanitizer() *Sanitizer {
	return New(Config{
		Fields:      []string{"password", "Token", "secret"},
		QueryParams: []string{"token", "session"},
		Replacement: redacted,
	})
}

func TestDataNested(t *testing.T) {
	in := map[string]any{
		"buttonText": "Login",
		"TOKEN":      "top",
		"form": map[string]any{
			"password": "p",
			"profile":  map[string]any{"token": "t", "age": 30.0},
		},
		"items": []any{map[string]any{"secret": "s1"}, map[string]any{"name": "n"}, "plain"},
	}
	out := testSanitizer().Data(in)

	assert.Equal(t, "Login", out["buttonText"])
	assert.Equal(t, redacted, out["TOKEN"])
	form := out["form"].(map[string]any)
	assert.Equal(t, redacted, form["password"])
	profile := form["profile"].(map[string]any)
	assert.Equal(t, redacted, profile["token"])
	assert.Equal(t, 30.0, profile["age"])
	items := out["items"].([]any)
	assert.Equal(t, redacted, items[0].(map[string]any)["secret"])
	assert.Equal(t, "n", items[1].(map[string]any)["name"])
	assert.Equal(t, "plain", items[2])

	// The caller's map is left untouched.
	assert.Equal(t, "top", in["TOKEN"])
	assert.Equal(t, "p", in["form"].(map[string]any)["password"])
}

func TestDataEmpty(t *testing.T) {
	assert.Nil(t, testSanitizer().Data(nil))
	assert.Empty(t, testSanitizer().Data(map[string]any{}))
}

func TestURL(t *testing.T) {
	s := testSanitizer()
	out := s.URL("https://example.com/plants?id=7&token=abc&Session=x")
	u, err := url.Parse(out)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "7", q.Get("id"))
	assert.Equal(t, redacted, q.Get("token"))
	assert.Equal(t, redacted, q.Get("Session"))
	assert.Equal(t, "/plants", u.Path)

	unchanged := "https://example.com/plants?id=7&b=2"
	assert.Equal(t, unchanged, s.URL(unchanged))
	assert.Equal(t, "https://example.com/", s.URL("https://example.com/"))
	assert.Equal(t, "", s.URL(""))
}

func TestEventAndParticipation(t *testing.T) {
	s := testSanitizer()
	e := s.Event(types.Event{
		EventType: "form_submit",
		EventData: map[string]any{"password": "hunter2"},
		URL:       "https://example.com/login?token=abc",
	})
	assert.Equal(t, redacted, e.EventData["password"])
	assert.NotContains(t, e.URL, "abc")

	p := s.Participation(types.Participation{URL: "https://example.com/?session=zzz"})
	assert.NotContains(t, p.URL, "zzz")
}

func TestRaw(t *testing.T) {
	s := testSanitizer()
	raw := []byte(`{"eventType":"login","eventData":{"password":"p","count":12345678901234567},"url":"https://x/?token=abc&tab=2"}`)

	out := s.Raw(raw)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, redacted, doc["eventData"].(map[string]any)["password"])
	assert.NotContains(t, doc["url"], "abc")
	assert.Contains(t, string(out), "12345678901234567", "large numbers keep their digits")

	assert.Nil(t, s.Raw([]byte(`{broken`)))
	assert.Empty(t, s.Raw(nil))
}
