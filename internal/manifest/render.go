// Package manifest renders starter search files for `hpsearch init`.
package manifest

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

//go:embed templates/*.yaml.tmpl
var templateFS embed.FS

var templates *template.Template

func init() {
	var err error
	templates, err = template.New("").ParseFS(templateFS, "templates/*.yaml.tmpl")
	if err != nil {
		panic(fmt.Sprintf("parse search templates: %v", err))
	}
}

// Presets maps preset names to their template files.
var Presets = map[string]string{
	"baseline": "baseline.yaml.tmpl",
	"prune":    "prune.yaml.tmpl",
	"transfer": "transfer.yaml.tmpl",
}

// PresetNames returns the preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for n := range Presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SearchParams holds values for rendering a search file.
type SearchParams struct {
	Name            string
	Architecture    string
	NumClasses      int
	Metric          string
	Mode            string // "min" or "max"
	NumSamples      int
	MaxUnits        int
	Seed            int64 // 0 = unseeded
	CPUPerTrial     float64
	GPUPerTrial     float64
	BudgetCPU       float64
	BudgetGPU       float64
	GracePeriod     int
	ReductionFactor int
	KeepTop         int // 0 = no checkpoint keeper
	Monitor         string
	MonitorMode     string
	CheckpointEvery int // units between checkpoint offers; 0 = every unit
	PruneEvery      int
	PruneAmount     float64
	Checkpoint      string // resume checkpoint URI for the transfer preset
	ResetMomentum   bool
}

// DefaultParams returns parameters for a small CPU-only search.
func DefaultParams(name string) SearchParams {
	return SearchParams{
		Name:            name,
		Architecture:    "synthetic",
		NumClasses:      10,
		Metric:          "loss",
		Mode:            "min",
		NumSamples:      16,
		MaxUnits:        300,
		CPUPerTrial:     1,
		BudgetCPU:       4,
		GracePeriod:     10,
		ReductionFactor: 4,
		KeepTop:         1,
		Monitor:         "accuracy",
		MonitorMode:     "max",
		CheckpointEvery: 50,
		PruneEvery:      100,
		PruneAmount:     0.1,
	}
}

// RenderSearch renders the named preset.
func RenderSearch(preset string, params SearchParams) (string, error) {
	name, ok := Presets[preset]
	if !ok {
		return "", fmt.Errorf("unknown preset %q (want one of %s)", preset, strings.Join(PresetNames(), ", "))
	}
	if preset == "transfer" && params.Checkpoint == "" {
		return "", fmt.Errorf("transfer preset needs a checkpoint")
	}
	return renderTemplate(name, params)
}

func renderTemplate(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.String(), nil
}
