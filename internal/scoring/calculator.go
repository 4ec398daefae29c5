// Package scoring computes notification relevance scores from learned token weights.
package scoring

import (
	"math"

	"github.com/thebtf/notigate/internal/features"
	"github.com/thebtf/notigate/internal/tokenize"
	"github.com/thebtf/notigate/pkg/models"
)

const (
	titlePositionWeight = 1.5
	tfidfEmphasis       = 0.3
	minConfidence       = 0.3
)

// TokenSignal is the per-token input to the base score and the rules.
type TokenSignal struct {
	Token      string        `json:"token"`
	Kind       tokenize.Kind `json:"-"`
	KindName   string        `json:"kind"`
	Length     int           `json:"length"`
	Weight     float64       `json:"weight"`
	TFIDF      float64       `json:"tfidf"`
	Count      int           `json:"count"`
	Position   float64       `json:"position"`
	Importance float64       `json:"importance"`
	Confidence float64       `json:"confidence"`
	Final      float64       `json:"final_weight"`
}

// Signals are the known tokens of one text, in first-appearance order.
type Signals struct {
	Tokens []TokenSignal
}

// Len returns the number of known tokens.
func (s *Signals) Len() int { return len(s.Tokens) }

// Weights returns the raw token weights.
func (s *Signals) Weights() []float64 {
	out := make([]float64, len(s.Tokens))
	for i, t := range s.Tokens {
		out[i] = t.Weight
	}
	return out
}

// ScoreComponents contains the breakdown of a relevance score calculation.
type ScoreComponents struct {
	TotalTokens int           `json:"total_tokens"`
	KnownTokens int           `json:"known_tokens"`
	BaseScore   float64       `json:"base_score"`
	Rules       []RuleStep    `json:"rules"`
	FinalScore  float64       `json:"final_score"`
	Tokens      []TokenSignal `json:"tokens,omitempty"`
}

// RuleStep records the running score after one rule.
type RuleStep struct {
	Rule  string  `json:"rule"`
	Score float64 `json:"score"`
}

// Calculator scores token sequences against a feature store.
// It never mutates the store.
type Calculator struct {
	store *features.Store
	rules []Rule
}

// NewCalculator creates a calculator using the default rule ensemble.
func NewCalculator(store *features.Store) *Calculator {
	return &Calculator{store: store, rules: DefaultRules()}
}

// WithRules returns a copy of the calculator using rules instead of the defaults.
func (c *Calculator) WithRules(rules []Rule) *Calculator {
	return &Calculator{store: c.store, rules: rules}
}

// Score returns the relevance of tokens in [0,10]. titleTokens marks which
// tokens receive the title position boost.
func (c *Calculator) Score(tokens, titleTokens []string) float64 {
	return c.CalculateComponents(tokens, titleTokens).FinalScore
}

// ScoreText tokenizes title and body and scores them.
func (c *Calculator) ScoreText(title, body string) float64 {
	return c.Breakdown(title, body).FinalScore
}

// Breakdown tokenizes title and body and returns the full calculation.
func (c *Calculator) Breakdown(title, body string) ScoreComponents {
	tokens := tokenize.Tokenize(title + " " + body)
	return c.CalculateComponents(tokens, tokenize.Tokenize(title))
}

// CalculateComponents is the core calculation; Score delegates to it.
//
//	finalWeight = weight × (1 + tfidf×0.3) × position × importance
//	base        = Σ confidence×finalWeight / Σ confidence×(finalWeight/weight)
//
// The base is a confidence-weighted average of token weights where the
// multipliers act as emphasis, so it stays inside the weight range. Rules
// then adjust the base in order and the result is clamped.
func (c *Calculator) CalculateComponents(tokens, titleTokens []string) ScoreComponents {
	included := tokenize.Filter(tokens)
	sig := c.signals(included, titleTokens)

	comp := ScoreComponents{
		TotalTokens: len(included),
		KnownTokens: sig.Len(),
		BaseScore:   models.DefaultScore,
		FinalScore:  models.DefaultScore,
		Tokens:      sig.Tokens,
	}
	if sig.Len() == 0 {
		return comp
	}

	var num, den float64
	for _, t := range sig.Tokens {
		emphasis := (1 + t.TFIDF*tfidfEmphasis) * t.Position * t.Importance
		num += t.Confidence * emphasis * t.Weight
		den += t.Confidence * emphasis
	}
	score := models.DefaultScore
	if den > 0 {
		score = num / den
	}
	comp.BaseScore = score

	comp.Rules = make([]RuleStep, 0, len(c.rules))
	for _, r := range c.rules {
		score = r.Apply(score, sig)
		comp.Rules = append(comp.Rules, RuleStep{Rule: r.Name, Score: score})
	}
	comp.FinalScore = models.ClampScore(score)
	return comp
}

// signals collects per-token inputs for tokens present in the store.
// Unknown tokens carry no learned signal and are skipped, which is what
// makes a cold store return the default score.
func (c *Calculator) signals(included, titleTokens []string) *Signals {
	inTitle := make(map[string]bool, len(titleTokens))
	for _, t := range titleTokens {
		inTitle[t] = true
	}

	sig := &Signals{Tokens: make([]TokenSignal, 0, len(included))}
	for _, token := range included {
		rec, ok := c.store.Get(token)
		if !ok {
			continue
		}
		kind := tokenize.KindOf(token)
		length := tokenize.Length(token)
		pos := 1.0
		if inTitle[token] {
			pos = titlePositionWeight
		}
		imp := Importance(length, rec.Weight, rec.Count, kind)
		sig.Tokens = append(sig.Tokens, TokenSignal{
			Token:      token,
			Kind:       kind,
			KindName:   kind.String(),
			Length:     length,
			Weight:     rec.Weight,
			TFIDF:      rec.TFIDF,
			Count:      rec.Count,
			Position:   pos,
			Importance: imp,
			Confidence: Confidence(rec.Count, rec.Weight, rec.TFIDF),
			Final:      rec.Weight * (1 + rec.TFIDF*tfidfEmphasis) * pos * imp,
		})
	}
	return sig
}

// Importance is the product of the length, deviation, rarity and type factors.
func Importance(length int, weight float64, count int, kind tokenize.Kind) float64 {
	lengthF := 1.0
	switch {
	case length >= 8:
		lengthF = 1.4
	case length >= 5:
		lengthF = 1.2
	}

	deviationF := 1 + math.Abs(weight-features.DefaultWeight)/features.DefaultWeight*0.3

	rarityF := 1.0
	switch {
	case count <= 1:
		rarityF = 1.15
	case count < 5:
		rarityF = 1.05
	}

	typeF := 1.0
	switch kind {
	case tokenize.KindIdeographic:
		typeF = 1.1
	case tokenize.KindSymbolic:
		typeF = 0.8
	}

	return lengthF * deviationF * rarityF * typeF
}

// Confidence blends frequency, weight decisiveness and TF-IDF (0.4/0.4/0.2), floored at 0.3.
func Confidence(count int, weight, tfidf float64) float64 {
	freq := math.Min(1, float64(count)/20)
	decisive := math.Abs(weight-features.DefaultWeight) / features.DefaultWeight
	c := 0.4*freq + 0.4*decisive + 0.2*tfidf
	return math.Max(minConfidence, c)
}
