// Package pricing converts token usage into USD cost using a YAML price
// table. Prices are quoted per 1K tokens, the unit providers publish.
package pricing

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// fallbackPerToken prices unknown models when the table declares no
// default (roughly $0.002 per 1K tokens).
const fallbackPerToken = 0.000002

type modelPrice struct {
	InputPer1K    float64 `yaml:"input_per_1k"`
	OutputPer1K   float64 `yaml:"output_per_1k"`
	CombinedPer1K float64 `yaml:"combined_per_1k"`
}

// File shape:
//
//	pricing:
//	  defaults:
//	    combined_per_1k: 0.002
//	  models:
//	    openai:
//	      gpt-4o-mini:
//	        input_per_1k: 0.00015
//	        output_per_1k: 0.0006
type tableFile struct {
	Pricing struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]modelPrice `yaml:"models"`
	} `yaml:"pricing"`
}

// Table resolves per-model prices. Immutable after Load; safe for
// concurrent use.
type Table struct {
	cfg tableFile
}

// Load reads the price table at path. An empty path yields a table that
// prices everything at the fallback rate.
func Load(path string, logger *zap.Logger) (*Table, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Table{}
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	if err := yaml.Unmarshal(data, &t.cfg); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	models := 0
	for _, m := range t.cfg.Pricing.Models {
		models += len(m)
	}
	logger.Info("Pricing table loaded",
		zap.String("path", path),
		zap.Int("models", models),
	)
	return t, nil
}

// CostForSplit prices input and output tokens separately when the model
// declares split prices, approximates from the combined rate otherwise,
// and falls back to the default rate for unknown models. Negative counts
// price as zero.
func (t *Table) CostForSplit(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	if p, ok := t.lookup(model); ok {
		if p.InputPer1K > 0 && p.OutputPer1K > 0 {
			return float64(inputTokens)/1000.0*p.InputPer1K + float64(outputTokens)/1000.0*p.OutputPer1K
		}
		if p.CombinedPer1K > 0 {
			return float64(inputTokens+outputTokens) / 1000.0 * p.CombinedPer1K
		}
	}
	return float64(inputTokens+outputTokens) * t.defaultPerToken()
}

// CostForTokens prices a total token count at the model's combined rate.
func (t *Table) CostForTokens(model string, tokens int) float64 {
	if tokens < 0 {
		tokens = 0
	}
	if p, ok := t.lookup(model); ok {
		if p.CombinedPer1K > 0 {
			return float64(tokens) / 1000.0 * p.CombinedPer1K
		}
		if p.InputPer1K > 0 && p.OutputPer1K > 0 {
			return float64(tokens) / 1000.0 * (p.InputPer1K + p.OutputPer1K) / 2.0
		}
	}
	return float64(tokens) * t.defaultPerToken()
}

func (t *Table) lookup(model string) (modelPrice, bool) {
	if model == "" {
		return modelPrice{}, false
	}
	for _, models := range t.cfg.Pricing.Models {
		if p, ok := models[model]; ok {
			return p, true
		}
	}
	return modelPrice{}, false
}

func (t *Table) defaultPerToken() float64 {
	if t.cfg.Pricing.Defaults.CombinedPer1K > 0 {
		return t.cfg.Pricing.Defaults.CombinedPer1K / 1000.0
	}
	return fallbackPerToken
}
