// Package catalog loads the experiment definitions evaluated by the bucketing
// engine. A Catalog is validated once when loaded and never changes after.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/abtest/internal/bucket"
	"github.com/yourorg/abtest/pkg/types"
)

const dateLayout = "2006-01-02"

type fileFormat struct {
	Experiments []experimentEntry `yaml:"experiments"`
}

type experimentEntry struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Variants    []string `yaml:"variants"`
	Traffic     *float64 `yaml:"traffic"`
	StartDate   string   `yaml:"start_date"`
	EndDate     string   `yaml:"end_date"`
	Metrics     []string `yaml:"metrics"`
}

// Catalog is an ordered, immutable set of experiments.
type Catalog struct {
	experiments []types.Experiment
	index       map[string]int
}

// New validates exps and builds a Catalog. Every problem found is reported.
func New(exps ...types.Experiment) (*Catalog, error) {
	c := &Catalog{
		experiments: make([]types.Experiment, 0, len(exps)),
		index:       make(map[string]int, len(exps)),
	}
	var errs []error
	for _, exp := range exps {
		if err := bucket.Validate(exp); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.index[exp.ID]; dup {
			errs = append(errs, &bucket.ConfigError{ExperimentID: exp.ID, Field: "id", Reason: "duplicate experiment id"})
			continue
		}
		c.index[exp.ID] = len(c.experiments)
		c.experiments = append(c.experiments, cloneExperiment(exp))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads a YAML catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	exps := make([]types.Experiment, 0, len(f.Experiments))
	var errs []error
	for i, e := range f.Experiments {
		exp, err := e.toExperiment()
		if err != nil {
			errs = append(errs, fmt.Errorf("experiments[%d]: %w", i, err))
			continue
		}
		exps = append(exps, exp)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return New(exps...)
}

func (e experimentEntry) toExperiment() (types.Experiment, error) {
	if e.Traffic == nil {
		return types.Experiment{}, &bucket.ConfigError{ExperimentID: e.ID, Field: "traffic", Reason: "missing"}
	}
	start, err := ParseInstant(e.StartDate)
	if err != nil {
		return types.Experiment{}, &bucket.ConfigError{ExperimentID: e.ID, Field: "start_date", Reason: err.Error()}
	}
	end, err := ParseInstant(e.EndDate)
	if err != nil {
		return types.Experiment{}, &bucket.ConfigError{ExperimentID: e.ID, Field: "end_date", Reason: err.Error()}
	}
	return types.Experiment{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Variants:    e.Variants,
		Traffic:     *e.Traffic,
		Window:      types.Window{Start: start, End: end},
		Metrics:     e.Metrics,
	}, nil
}

// ParseInstant accepts a bare date, read as midnight UTC, or an RFC 3339
// timestamp.
func ParseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("missing date")
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC 3339", s)
	}
	return t, nil
}

// Experiments returns a copy of the experiments in declaration order.
func (c *Catalog) Experiments() []types.Experiment {
	out := make([]types.Experiment, len(c.experiments))
	for i, exp := range c.experiments {
		out[i] = cloneExperiment(exp)
	}
	return out
}

// Get returns the experiment with the given id.
func (c *Catalog) Get(id string) (types.Experiment, bool) {
	i, ok := c.index[id]
	if !ok {
		return types.Experiment{}, false
	}
	return cloneExperiment(c.experiments[i]), true
}

func (c *Catalog) Len() int {
	return len(c.experiments)
}

func cloneExperiment(exp types.Experiment) types.Experiment {
	exp.Variants = append([]string(nil), exp.Variants...)
	exp.Metrics = append([]string(nil), exp.Metrics...)
	return exp
}
