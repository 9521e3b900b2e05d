// Package config loads search files and server settings.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/accelbench/hpsearch/internal/checkpoint"
	"github.com/accelbench/hpsearch/internal/metrics"
	"github.com/accelbench/hpsearch/internal/orchestrator"
	"github.com/accelbench/hpsearch/internal/scheduler"
	"github.com/accelbench/hpsearch/internal/search"
	"github.com/accelbench/hpsearch/internal/trainable"
	"github.com/accelbench/hpsearch/internal/trial"
)

// EnvPrefix prefixes every environment override, e.g. HPSEARCH_NUM_SAMPLES.
const EnvPrefix = "HPSEARCH"

// Search is the contents of a search file.
type Search struct {
	Name              string             `mapstructure:"name" json:"name"`
	Architecture      string             `mapstructure:"architecture" json:"architecture"`
	NumClasses        int                `mapstructure:"num_classes" json:"num_classes"`
	Metric            string             `mapstructure:"metric" json:"metric"`
	Mode              string             `mapstructure:"mode" json:"mode"`
	NumSamples        int                `mapstructure:"num_samples" json:"num_samples"`
	MaxUnits          int                `mapstructure:"max_units" json:"max_units"`
	Seed              *int64             `mapstructure:"seed" json:"seed,omitempty"`
	ResourcesPerTrial trial.Resources    `mapstructure:"resources_per_trial" json:"resources_per_trial"`
	Budget            trial.Resources    `mapstructure:"budget" json:"budget"`
	Scheduler         scheduler.Config   `mapstructure:"scheduler" json:"scheduler"`
	SearchSpace       search.SearchSpace `mapstructure:"search_space" json:"search_space"`
	Resume            Resume             `mapstructure:"resume" json:"resume"`
	Prune             Prune              `mapstructure:"prune" json:"prune"`
	Checkpoint        Checkpoint         `mapstructure:"checkpoint" json:"checkpoint"`
	MetricNames       metrics.NameMap    `mapstructure:"metric_names" json:"metric_names,omitempty"`
	Columns           metrics.Columns    `mapstructure:"columns" json:"columns"`
}

// Resume names a checkpoint every trial starts from.
type Resume struct {
	Checkpoint    string `mapstructure:"checkpoint" json:"checkpoint,omitempty"`
	ResetMomentum bool   `mapstructure:"reset_momentum" json:"reset_momentum"`
}

// Prune removes Amount of the remaining weights every Every units.
type Prune struct {
	Every  int     `mapstructure:"every" json:"every"`
	Amount float64 `mapstructure:"amount" json:"amount"`
}

// Checkpoint configures the per-trial top-k keeper.
type Checkpoint struct {
	KeepTop int    `mapstructure:"keep_top" json:"keep_top"`
	Monitor string `mapstructure:"monitor" json:"monitor"`
	Mode    string `mapstructure:"mode" json:"mode"`
	Every   int    `mapstructure:"every" json:"every"`
}

func searchDefaults(v *viper.Viper) {
	v.SetDefault("name", "search")
	v.SetDefault("architecture", "synthetic")
	v.SetDefault("num_classes", 10)
	v.SetDefault("metric", "loss")
	v.SetDefault("mode", "min")
	v.SetDefault("num_samples", 1)
	v.SetDefault("max_units", 1)
	v.SetDefault("resources_per_trial.cpu", 1)
	v.SetDefault("resources_per_trial.gpu", 0)
	v.SetDefault("budget.cpu", 1)
	v.SetDefault("budget.gpu", 0)
	v.SetDefault("scheduler.type", "asha")
	v.SetDefault("scheduler.grace_period", 1)
	v.SetDefault("scheduler.reduction_factor", 4)
	v.SetDefault("scheduler.async", false)
	v.SetDefault("resume.checkpoint", "")
	v.SetDefault("resume.reset_momentum", false)
	v.SetDefault("prune.every", 0)
	v.SetDefault("prune.amount", 0)
	v.SetDefault("checkpoint.keep_top", 0)
	v.SetDefault("checkpoint.monitor", "")
	v.SetDefault("checkpoint.mode", "max")
	v.SetDefault("checkpoint.every", 1)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadSearch reads a YAML or JSON search file. Environment variables
// override file values.
func LoadSearch(path string) (*Search, error) {
	v := newViper()
	searchDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, &search.ConfigurationError{Field: path, Reason: err.Error()}
	}
	return decode(v, path)
}

// ParseSearch reads a search document in the given format ("yaml" or
// "json") from r.
func ParseSearch(r io.Reader, format string) (*Search, error) {
	v := newViper()
	searchDefaults(v)
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, &search.ConfigurationError{Field: "body", Reason: err.Error()}
	}
	return decode(v, "body")
}

// ParseSearchBytes is ParseSearch over a byte slice, guessing the format
// from name's extension.
func ParseSearchBytes(name string, b []byte) (*Search, error) {
	format := strings.TrimPrefix(filepath.Ext(name), ".")
	if format == "" || format == "yml" {
		format = "yaml"
	}
	return ParseSearch(bytes.NewReader(b), format)
}

func decode(v *viper.Viper, source string) (*Search, error) {
	var s Search
	if err := v.Unmarshal(&s); err != nil {
		return nil, &search.ConfigurationError{Field: source, Reason: err.Error()}
	}
	if s.Seed == nil && v.IsSet("seed") {
		seed := v.GetInt64("seed")
		s.Seed = &seed
	}
	return &s, nil
}

// Request resolves the search file into an orchestrator request: it looks
// up the trainable and loads resume.checkpoint as a URI (local path, file://
// or s3://). The result still needs orchestrator validation.
func (s *Search) Request(ctx context.Context) (orchestrator.Request, error) {
	return s.request(ctx, checkpoint.LoadURI)
}

// RequestInStore is Request for search files from untrusted callers:
// resume.checkpoint must be a relative key inside store, and load failures
// are reported without store paths.
func (s *Search) RequestInStore(ctx context.Context, store checkpoint.Store) (orchestrator.Request, error) {
	return s.request(ctx, func(ctx context.Context, key string) (*checkpoint.Checkpoint, error) {
		if err := checkpoint.ValidKey(key); err != nil {
			return nil, err
		}
		c, err := store.Load(ctx, key)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			return nil, fmt.Errorf("no checkpoint %q in the server store", key)
		case err != nil:
			return nil, fmt.Errorf("checkpoint %q could not be loaded", key)
		}
		return c, nil
	})
}

func (s *Search) request(ctx context.Context, load func(context.Context, string) (*checkpoint.Checkpoint, error)) (orchestrator.Request, error) {
	factory, err := trainable.Lookup(s.Architecture)
	if err != nil {
		return orchestrator.Request{}, &search.ConfigurationError{Field: "architecture", Reason: err.Error()}
	}
	req := orchestrator.Request{
		Name:              s.Name,
		Architecture:      s.Architecture,
		Space:             s.SearchSpace,
		NumSamples:        s.NumSamples,
		MaxUnits:          s.MaxUnits,
		NumClasses:        s.NumClasses,
		Seed:              s.Seed,
		ResourcesPerTrial: s.ResourcesPerTrial,
		Budget:            s.Budget,
		Metric:            s.Metric,
		Mode:              scheduler.Mode(s.Mode),
		Scheduler:         s.Scheduler,
		Factory:           factory,
		ResetMomentum:     s.Resume.ResetMomentum,
		Prune:             trial.EveryN(s.Prune.Every, s.Prune.Amount),
		KeepTop:           s.Checkpoint.KeepTop,
		Monitor:           s.Checkpoint.Monitor,
		MonitorMode:       scheduler.Mode(s.Checkpoint.Mode),
		CheckpointEvery:   s.Checkpoint.Every,
		MetricNames:       s.MetricNames,
		Columns:           s.Columns,
	}
	if s.Prune.Amount < 0 || s.Prune.Amount >= 1 {
		return req, &search.ConfigurationError{Field: "prune.amount", Reason: fmt.Sprintf("must be in [0, 1), got %g", s.Prune.Amount)}
	}
	if s.Resume.Checkpoint != "" {
		c, err := load(ctx, s.Resume.Checkpoint)
		if err != nil {
			return req, &search.ConfigurationError{Field: "resume.checkpoint", Reason: err.Error()}
		}
		req.Transfer = c
	}
	return req, nil
}
