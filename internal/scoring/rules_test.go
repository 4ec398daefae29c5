package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thebtf/notigate/internal/tokenize"
)

func sigOf(weights ...float64) *Signals {
	sig := &Signals{}
	for _, w := range weights {
		sig.Tokens = append(sig.Tokens, TokenSignal{Weight: w, Kind: tokenize.KindWord, Length: 4})
	}
	return sig
}

func TestPolarityRule(t *testing.T) {
	assert.InDelta(t, 6.0, polarityRule(5, sigOf(8, 9)), 1e-9)
	assert.InDelta(t, 4.5, polarityRule(5, sigOf(1, 5)), 1e-9)
	assert.InDelta(t, 5.0, polarityRule(5, sigOf(1, 9)), 1e-9)
}

func TestVarianceRule(t *testing.T) {
	// variance 1: untouched
	assert.InDelta(t, 8.0, varianceRule(8, sigOf(4, 6)), 1e-9)
	// variance 9: pull (9-4)/20 = 25%
	assert.InDelta(t, 7.25, varianceRule(8, sigOf(2, 8)), 1e-9)
	// variance 25: pull capped at 30%
	assert.InDelta(t, 7.1, varianceRule(8, sigOf(0, 10)), 1e-9)
	assert.InDelta(t, 8.0, varianceRule(8, sigOf(0)), 1e-9)
}

func TestLengthRule(t *testing.T) {
	assert.InDelta(t, 7.5, lengthRule(7, sigOf(8, 9)), 1e-9)
	assert.InDelta(t, 2.5, lengthRule(3, sigOf(1, 2)), 1e-9)

	long := sigOf(5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5)
	assert.InDelta(t, 7.7, lengthRule(8, long), 1e-9)
}

func TestTypeMixRule(t *testing.T) {
	sym := &Signals{Tokens: []TokenSignal{
		{Weight: 5, Kind: tokenize.KindSymbolic},
		{Weight: 5, Kind: tokenize.KindWord, Length: 4},
	}}
	assert.InDelta(t, 7.7, typeMixRule(8, sym), 1e-9)

	ideo := &Signals{Tokens: []TokenSignal{
		{Weight: 5, Kind: tokenize.KindIdeographic},
		{Weight: 5, Kind: tokenize.KindIdeographic},
	}}
	assert.InDelta(t, 1.85, typeMixRule(2, ideo), 1e-9)
}

func TestDistinctivenessRule(t *testing.T) {
	sig := &Signals{Tokens: []TokenSignal{{TFIDF: 1}, {TFIDF: 0}}}
	// mean tfidf 0.5 → deviation ×1.1
	assert.InDelta(t, 8.3, distinctivenessRule(8, sig), 1e-9)
	assert.InDelta(t, 1.7, distinctivenessRule(2, sig), 1e-9)
}

func TestDefaultRules_Order(t *testing.T) {
	names := make([]string, 0)
	for _, r := range DefaultRules() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"polarity", "variance", "length", "type-mix", "distinctiveness"}, names)
}
