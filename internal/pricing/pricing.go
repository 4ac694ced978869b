package pricing

import (
	"errors"
	"math"
	"strings"
)

// ErrUnknownModel indicates no pricing rule exists for a model. Callers must
// fail the request rather than charge zero.
var ErrUnknownModel = errors.New("pricing: unknown model")

// defaultFreePrefixes marks providers whose models are never charged.
var defaultFreePrefixes = []string{"ollama/"}

// cachedDiscount applies when a model has no explicit cached rate. Cache
// reads cost the provider less, so the battery rate follows.
const cachedDiscount = 0.85

// Rate defines battery pricing for one model, in battery units per 1K tokens.
type Rate struct {
	BatteryPer1K float64 `yaml:"battery_per_1k"`
	CachedPer1K  float64 `yaml:"cached_per_1k,omitempty"` // Optional explicit cached-rate override.
}

// defaultRates holds the built-in per-model battery rates.
var defaultRates = map[string]Rate{
	"deepseek-chat":     {BatteryPer1K: 2.23, CachedPer1K: 1.91},
	"gpt-4.1-nano":      {BatteryPer1K: 0.82},
	"gpt-4.1-mini":      {BatteryPer1K: 3.25},
	"gpt-4.1":           {BatteryPer1K: 16.25},
	"gpt-4o":            {BatteryPer1K: 20.32},
	"gpt-4o-mini":       {BatteryPer1K: 1.22},
	"o3":                {BatteryPer1K: 16.25},
	"o3-mini":           {BatteryPer1K: 8.94},
	"claude-haiku-3.5":  {BatteryPer1K: 7.8},
	"claude-sonnet-3":   {BatteryPer1K: 29.25},
	"claude-sonnet-3.5": {BatteryPer1K: 29.25},
	"claude-sonnet-4":   {BatteryPer1K: 29.25},
	"claude-opus-3":     {BatteryPer1K: 146.25},
	"claude-opus-4":     {BatteryPer1K: 146.25},
	"gemini-1.5-flash":  {BatteryPer1K: 0.61},
	"gemini-1.5-pro":    {BatteryPer1K: 10.16},
	"gemini-2.0-flash":  {BatteryPer1K: 0.82},
	"gemini-2.5-flash":  {BatteryPer1K: 1.22},
	"gemini-2.5-pro":    {BatteryPer1K: 18.29},
	"grok-3":            {BatteryPer1K: 29.25},
	"grok-3-mini":       {BatteryPer1K: 1.3},
}

// Table resolves model identifiers to battery costs.
type Table struct {
	rates        map[string]Rate
	freePrefixes []string
}

// NewTable constructs a Table with the built-in rates.
func NewTable() *Table {
	rates := make(map[string]Rate, len(defaultRates))
	for key, rate := range defaultRates {
		rates[key] = rate
	}
	prefixes := make([]string, len(defaultFreePrefixes))
	copy(prefixes, defaultFreePrefixes)
	return &Table{rates: rates, freePrefixes: prefixes}
}

// ApplyOverrides merges configured rates over the built-in table.
func (t *Table) ApplyOverrides(overrides map[string]Rate) {
	for key, rate := range overrides {
		key = strings.TrimSpace(key)
		if key == "" || rate.BatteryPer1K < 0 {
			continue
		}
		t.rates[key] = rate
	}
}

// AddFreePrefixes registers additional free-provider prefixes.
func (t *Table) AddFreePrefixes(prefixes []string) {
	for _, prefix := range prefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		t.freePrefixes = append(t.freePrefixes, prefix)
	}
}

// IsFreeModel reports whether a model belongs to a free or local provider.
func (t *Table) IsFreeModel(model string) bool {
	model = strings.TrimSpace(model)
	for _, prefix := range t.freePrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Cost converts token counts into a battery debit for the given model.
// The result is a non-negative integer, non-decreasing in token counts, and
// never higher for cached responses than uncached ones.
func (t *Table) Cost(model string, inputTokens, outputTokens int64, cached bool) (int64, error) {
	if t.IsFreeModel(model) {
		return 0, nil
	}
	rate, ok := t.lookup(model)
	if !ok {
		return 0, ErrUnknownModel
	}
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	per1K := rate.BatteryPer1K
	if cached {
		if rate.CachedPer1K > 0 {
			per1K = rate.CachedPer1K
		} else {
			per1K = per1K * cachedDiscount
		}
	}

	totalTokens := inputTokens + outputTokens
	raw := float64(totalTokens) / 1000 * per1K
	return int64(math.Ceil(raw)), nil
}

// lookup resolves a raw model ID to its rate, normalizing first.
func (t *Table) lookup(model string) (Rate, bool) {
	key := Normalize(model)
	rate, ok := t.rates[key]
	return rate, ok
}

// Normalize maps raw API model identifiers onto pricing keys, so dated
// variants like claude-3-5-haiku-20241022 price as claude-haiku-3.5.
func Normalize(modelID string) string {
	modelID = strings.TrimSpace(modelID)

	if strings.HasPrefix(modelID, "claude-") {
		switch {
		case strings.Contains(modelID, "haiku") && strings.Contains(modelID, "3-5"):
			return "claude-haiku-3.5"
		case strings.Contains(modelID, "opus-4"):
			return "claude-opus-4"
		case strings.Contains(modelID, "sonnet-4"):
			return "claude-sonnet-4"
		// 3.7 Sonnet prices as Sonnet 4.
		case strings.Contains(modelID, "3-7-sonnet"):
			return "claude-sonnet-4"
		case strings.Contains(modelID, "3-5-sonnet"):
			return "claude-sonnet-3.5"
		case strings.Contains(modelID, "3-opus"):
			return "claude-opus-3"
		case strings.Contains(modelID, "3-sonnet"):
			return "claude-sonnet-3"
		}
	}

	switch {
	case strings.Contains(modelID, "gemini-1-5-flash"), strings.Contains(modelID, "gemini-1.5-flash"):
		return "gemini-1.5-flash"
	case strings.Contains(modelID, "gemini-1-5-pro"), strings.Contains(modelID, "gemini-1.5-pro"):
		return "gemini-1.5-pro"
	case strings.Contains(modelID, "gemini-2-0-flash"), strings.Contains(modelID, "gemini-2.0-flash"):
		return "gemini-2.0-flash"
	case strings.Contains(modelID, "gemini-2-5-flash"), strings.Contains(modelID, "gemini-2.5-flash"):
		return "gemini-2.5-flash"
	case strings.Contains(modelID, "gemini-2-5-pro"), strings.Contains(modelID, "gemini-2.5-pro"):
		return "gemini-2.5-pro"
	case strings.Contains(modelID, "deepseek-chat"):
		return "deepseek-chat"
	}

	return modelID
}

// Provider extracts the provider portion of a prefixed model ID, e.g.
// "ollama/llama3" yields "ollama". Unprefixed IDs are classified by their
// naming convention.
func Provider(modelID string) string {
	modelID = strings.TrimSpace(modelID)
	if idx := strings.Index(modelID, "/"); idx > 0 {
		return modelID[:idx]
	}
	switch {
	case strings.HasPrefix(modelID, "claude"):
		return "anthropic"
	case strings.HasPrefix(modelID, "gpt"), strings.HasPrefix(modelID, "o3"):
		return "openai"
	case strings.HasPrefix(modelID, "gemini"):
		return "google"
	case strings.HasPrefix(modelID, "grok"):
		return "xai"
	case strings.HasPrefix(modelID, "deepseek"):
		return "deepseek"
	default:
		return ""
	}
}
