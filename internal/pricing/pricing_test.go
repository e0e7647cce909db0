package pricing

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

const testPricingYAML = `pricing:
  defaults:
    combined_per_1k: 0.004
  models:
    openai:
      gpt-4o-mini:
        input_per_1k: 0.00015
        output_per_1k: 0.0006
      gpt-3.5-turbo:
        combined_per_1k: 0.0015
    anthropic:
      claude-3-haiku:
        input_per_1k: 0.00025
        output_per_1k: 0.00125
`

func loadTestTable(t *testing.T) *Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := os.WriteFile(path, []byte(testPricingYAML), 0o644); err != nil {
		t.Fatalf("write pricing fixture: %v", err)
	}
	table, err := Load(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return table
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestCostForSplitUsesSplitPrices(t *testing.T) {
	table := loadTestTable(t)

	// 2000 input at 0.00015/1k + 500 output at 0.0006/1k.
	got := table.CostForSplit("gpt-4o-mini", 2000, 500)
	want := 2.0*0.00015 + 0.5*0.0006
	if !almostEqual(got, want) {
		t.Fatalf("CostForSplit = %v, want %v", got, want)
	}
}

func TestCostForSplitFindsModelAcrossProviders(t *testing.T) {
	table := loadTestTable(t)

	got := table.CostForSplit("claude-3-haiku", 1000, 1000)
	want := 0.00025 + 0.00125
	if !almostEqual(got, want) {
		t.Fatalf("CostForSplit = %v, want %v", got, want)
	}
}

func TestCostForSplitApproximatesFromCombined(t *testing.T) {
	table := loadTestTable(t)

	got := table.CostForSplit("gpt-3.5-turbo", 1500, 500)
	want := 2.0 * 0.0015
	if !almostEqual(got, want) {
		t.Fatalf("CostForSplit = %v, want %v", got, want)
	}
}

func TestCostForSplitUnknownModelUsesDefault(t *testing.T) {
	table := loadTestTable(t)

	got := table.CostForSplit("mystery-model", 1000, 1000)
	want := 2000.0 * (0.004 / 1000.0)
	if !almostEqual(got, want) {
		t.Fatalf("CostForSplit = %v, want %v", got, want)
	}
}

func TestCostForSplitClampsNegativeTokens(t *testing.T) {
	table := loadTestTable(t)

	if got := table.CostForSplit("gpt-4o-mini", -100, -100); got != 0 {
		t.Fatalf("CostForSplit with negative tokens = %v, want 0", got)
	}
	got := table.CostForSplit("gpt-4o-mini", -100, 1000)
	want := 0.0006
	if !almostEqual(got, want) {
		t.Fatalf("CostForSplit = %v, want %v", got, want)
	}
}

func TestCostForTokensCombinedRate(t *testing.T) {
	table := loadTestTable(t)

	got := table.CostForTokens("gpt-3.5-turbo", 4000)
	want := 4.0 * 0.0015
	if !almostEqual(got, want) {
		t.Fatalf("CostForTokens = %v, want %v", got, want)
	}
}

func TestCostForTokensAveragesSplitPrices(t *testing.T) {
	table := loadTestTable(t)

	got := table.CostForTokens("gpt-4o-mini", 2000)
	want := 2.0 * (0.00015 + 0.0006) / 2.0
	if !almostEqual(got, want) {
		t.Fatalf("CostForTokens = %v, want %v", got, want)
	}
}

func TestEmptyPathPricesAtFallback(t *testing.T) {
	table, err := Load("", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := table.CostForSplit("any-model", 1000, 0)
	want := 1000.0 * fallbackPerToken
	if !almostEqual(got, want) {
		t.Fatalf("CostForSplit = %v, want %v", got, want)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := os.WriteFile(path, []byte("pricing: ["), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Load(path, zaptest.NewLogger(t)); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), zaptest.NewLogger(t)); err == nil {
		t.Fatal("Load accepted missing file")
	}
}
