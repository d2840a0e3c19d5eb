package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/abtest/internal/bucket"
	"github.com/yourorg/abtest/pkg/types"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	require.Equal(t, 3, c.Len())

	ids := make([]string, 0, c.Len())
	for _, exp := range c.Experiments() {
		ids = append(ids, exp.ID)
	}
	assert.Equal(t, []string{"button_style", "card_layout", "color_scheme"}, ids)

	exp, ok := c.Get("card_layout")
	require.True(t, ok)
	assert.Equal(t, 0.3, exp.Traffic)
	assert.Equal(t, []string{"default", "compact", "expanded"}, exp.Variants)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), exp.Window.Start)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), exp.Window.End)
	assert.Equal(t, []string{"engagement_time", "scroll_depth"}, exp.Metrics)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCatalogIsImmutable(t *testing.T) {
	c := Default()
	exps := c.Experiments()
	exps[0].Variants[0] = "mutated"
	exps[0].Traffic = 0

	exp, _ := c.Get("button_style")
	assert.Equal(t, "default", exp.Variants[0])
	assert.Equal(t, 0.5, exp.Traffic)

	exp.Variants[1] = "mutated"
	again, _ := c.Get("button_style")
	assert.Equal(t, "rounded", again.Variants[1])
}

func TestParseRFC3339Window(t *testing.T) {
	doc := `
experiments:
  - id: checkout
    variants: [a, b]
    traffic: 1
    start_date: "2025-03-01T08:00:00+01:00"
    end_date: "2025-03-31T23:59:59Z"
`
	c, err := Parse([]byte(doc))
	require.NoError(t, err)
	exp, ok := c.Get("checkout")
	require.True(t, ok)
	assert.True(t, exp.Window.Start.Equal(time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC)))
}

func TestParseRejectsInvalidExperiments(t *testing.T) {
	cases := map[string]string{
		"traffic above one": `
experiments:
  - {id: a, variants: [x], traffic: 1.5, start_date: "2025-01-01", end_date: "2025-02-01"}`,
		"negative traffic": `
experiments:
  - {id: a, variants: [x], traffic: -0.5, start_date: "2025-01-01", end_date: "2025-02-01"}`,
		"missing traffic": `
experiments:
  - {id: a, variants: [x], start_date: "2025-01-01", end_date: "2025-02-01"}`,
		"no variants": `
experiments:
  - {id: a, variants: [], traffic: 0.5, start_date: "2025-01-01", end_date: "2025-02-01"}`,
		"duplicate ids": `
experiments:
  - {id: a, variants: [x], traffic: 0.5, start_date: "2025-01-01", end_date: "2025-02-01"}
  - {id: a, variants: [y], traffic: 0.5, start_date: "2025-01-01", end_date: "2025-02-01"}`,
		"reversed window": `
experiments:
  - {id: a, variants: [x], traffic: 0.5, start_date: "2025-02-01", end_date: "2025-01-01"}`,
		"bad date": `
experiments:
  - {id: a, variants: [x], traffic: 0.5, start_date: "01/01/2025", end_date: "2025-02-01"}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, bucket.ErrInvalidConfiguration)
		})
	}
}

func TestParseJoinsErrors(t *testing.T) {
	doc := `
experiments:
  - {id: one, variants: [], traffic: 0.5, start_date: "2025-01-01", end_date: "2025-02-01"}
  - {id: two, variants: [x], traffic: 3, start_date: "2025-01-01", end_date: "2025-02-01"}
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"one"`)
	assert.Contains(t, err.Error(), `"two"`)
}

func TestParseMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("experiments: [{id: a"))
	require.ErrorContains(t, err, "parse catalog")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiments.yaml")
	require.NoError(t, os.WriteFile(path, DefaultYAML, 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read catalog")
}

func TestNewEmpty(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	assert.Zero(t, c.Len())
	assert.Empty(t, c.Experiments())
}

func TestNewValidates(t *testing.T) {
	_, err := New(types.Experiment{ID: "x", Traffic: 0.1})
	require.ErrorIs(t, err, bucket.ErrInvalidConfiguration)
}

func TestParseInstant(t *testing.T) {
	got, err := ParseInstant(" 2025-01-01 ")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), got)

	_, err = ParseInstant("")
	require.Error(t, err)
	_, err = ParseInstant("tomorrow")
	require.Error(t, err)
}
