package pricing

import (
	"errors"
	"testing"
)

func TestCostRoundsUpToWholeUnits(t *testing.T) {
	table := NewTable()

	// 1000 tokens of gpt-4o-mini at 1.22/1K rounds up to 2.
	cost, errCost := table.Cost("gpt-4o-mini", 600, 400, false)
	if errCost != nil {
		t.Fatalf("cost: %v", errCost)
	}
	if cost != 2 {
		t.Fatalf("expected 2, got %d", cost)
	}
}

func TestCostUnknownModel(t *testing.T) {
	table := NewTable()
	if _, errCost := table.Cost("mystery-model-9000", 100, 100, false); !errors.Is(errCost, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", errCost)
	}
}

func TestCostFreeModelIsZero(t *testing.T) {
	table := NewTable()
	cost, errCost := table.Cost("ollama/llama3", 5000, 5000, false)
	if errCost != nil {
		t.Fatalf("cost: %v", errCost)
	}
	if cost != 0 {
		t.Fatalf("expected 0 for local model, got %d", cost)
	}
}

func TestCostMonotonicInTokens(t *testing.T) {
	table := NewTable()
	prev := int64(-1)
	for _, tokens := range []int64{0, 100, 500, 1000, 10000, 100000} {
		cost, errCost := table.Cost("claude-sonnet-4", tokens, tokens, false)
		if errCost != nil {
			t.Fatalf("cost at %d tokens: %v", tokens, errCost)
		}
		if cost < prev {
			t.Fatalf("cost decreased at %d tokens: %d < %d", tokens, cost, prev)
		}
		prev = cost
	}
}

func TestCostCachedNeverExceedsUncached(t *testing.T) {
	table := NewTable()
	for _, model := range []string{"deepseek-chat", "gpt-4o", "claude-opus-4", "gemini-2.5-pro"} {
		uncached, errU := table.Cost(model, 4000, 4000, false)
		if errU != nil {
			t.Fatalf("%s uncached: %v", model, errU)
		}
		cached, errC := table.Cost(model, 4000, 4000, true)
		if errC != nil {
			t.Fatalf("%s cached: %v", model, errC)
		}
		if cached > uncached {
			t.Fatalf("%s cached cost %d exceeds uncached %d", model, cached, uncached)
		}
	}
}

func TestCostNegativeTokensClampToZero(t *testing.T) {
	table := NewTable()
	cost, errCost := table.Cost("gpt-4o", -50, -50, false)
	if errCost != nil {
		t.Fatalf("cost: %v", errCost)
	}
	if cost != 0 {
		t.Fatalf("expected 0 for negative tokens, got %d", cost)
	}
}

func TestApplyOverrides(t *testing.T) {
	table := NewTable()
	table.ApplyOverrides(map[string]Rate{
		"gpt-4o-mini": {BatteryPer1K: 100},
		"":            {BatteryPer1K: 5},
		"bad-rate":    {BatteryPer1K: -1},
	})

	cost, errCost := table.Cost("gpt-4o-mini", 1000, 0, false)
	if errCost != nil {
		t.Fatalf("cost: %v", errCost)
	}
	if cost != 100 {
		t.Fatalf("override not applied, got %d", cost)
	}
	if _, errBad := table.Cost("bad-rate", 1000, 0, false); !errors.Is(errBad, ErrUnknownModel) {
		t.Fatalf("negative-rate override should be ignored, got %v", errBad)
	}
}

func TestAddFreePrefixes(t *testing.T) {
	table := NewTable()
	table.AddFreePrefixes([]string{"local/", " "})
	if !table.IsFreeModel("local/phi-3") {
		t.Fatal("local/ prefix should be free")
	}
	if table.IsFreeModel("gpt-4o") {
		t.Fatal("gpt-4o should not be free")
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"claude-3-5-haiku-20241022":  "claude-haiku-3.5",
		"claude-3-7-sonnet-20250219": "claude-sonnet-4",
		"claude-sonnet-4-20250514":   "claude-sonnet-4",
		"claude-opus-4-20250514":     "claude-opus-4",
		"claude-3-opus-20240229":     "claude-opus-3",
		"gemini-1-5-flash-latest":    "gemini-1.5-flash",
		"gemini-2.5-pro-preview":     "gemini-2.5-pro",
		"deepseek-chat-v3":           "deepseek-chat",
		"gpt-4o":                     "gpt-4o",
	}
	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestProvider(t *testing.T) {
	cases := map[string]string{
		"ollama/llama3":    "ollama",
		"claude-sonnet-4":  "anthropic",
		"gpt-4o":           "openai",
		"o3-mini":          "openai",
		"gemini-2.5-flash": "google",
		"grok-3":           "xai",
		"deepseek-chat":    "deepseek",
		"unknown-model":    "",
	}
	for input, want := range cases {
		if got := Provider(input); got != want {
			t.Fatalf("Provider(%q) = %q, want %q", input, got, want)
		}
	}
}
