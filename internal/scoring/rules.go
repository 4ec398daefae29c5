package scoring

import (
	"math"

	"github.com/thebtf/notigate/internal/tokenize"
	"github.com/thebtf/notigate/pkg/models"
)

// Rule is one deterministic adjustment of the running score.
// Rules compose left to right.
type Rule struct {
	Name  string
	Apply func(score float64, sig *Signals) float64
}

const (
	lowWeight  = 3.0
	highWeight = 7.0
)

// DefaultRules returns the adjustment ensemble in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "polarity", Apply: polarityRule},
		{Name: "variance", Apply: varianceRule},
		{Name: "length", Apply: lengthRule},
		{Name: "type-mix", Apply: typeMixRule},
		{Name: "distinctiveness", Apply: distinctivenessRule},
	}
}

// towardNeutral scales the distance from the default score by f.
func towardNeutral(score, f float64) float64 {
	return models.DefaultScore + (score-models.DefaultScore)*f
}

// polarityRule shifts by the balance of clearly high and clearly low tokens.
func polarityRule(score float64, sig *Signals) float64 {
	var low, high int
	for _, t := range sig.Tokens {
		switch {
		case t.Weight < lowWeight:
			low++
		case t.Weight > highWeight:
			high++
		}
	}
	return score + float64(high-low)/float64(sig.Len())
}

// varianceRule pulls inconsistent signals toward neutral, at most 30%.
func varianceRule(score float64, sig *Signals) float64 {
	if sig.Len() < 2 {
		return score
	}
	var mean float64
	for _, t := range sig.Tokens {
		mean += t.Weight
	}
	mean /= float64(sig.Len())

	var variance float64
	for _, t := range sig.Tokens {
		d := t.Weight - mean
		variance += d * d
	}
	variance /= float64(sig.Len())

	if variance <= 4 {
		return score
	}
	pull := math.Min(0.3, (variance-4)/20)
	return towardNeutral(score, 1-pull)
}

// lengthRule damps long texts slightly and rewards concentrated strong tokens.
func lengthRule(score float64, sig *Signals) float64 {
	if sig.Len() >= 12 {
		score = towardNeutral(score, 0.9)
	}
	var strong, weak int
	for _, t := range sig.Tokens {
		switch {
		case t.Weight >= 8:
			strong++
		case t.Weight <= 2:
			weak++
		}
	}
	if strong >= 2 {
		score += 0.5
	}
	if weak >= 2 {
		score -= 0.5
	}
	return score
}

// typeMixRule distrusts symbol-heavy text and trusts ideographic or long-word text.
func typeMixRule(score float64, sig *Signals) float64 {
	n := float64(sig.Len())
	var symbolic, ideographic, long int
	for _, t := range sig.Tokens {
		switch t.Kind {
		case tokenize.KindSymbolic:
			symbolic++
		case tokenize.KindIdeographic:
			ideographic++
		case tokenize.KindWord:
			if t.Length >= 6 {
				long++
			}
		}
	}
	if float64(symbolic)/n > 0.3 {
		score = towardNeutral(score, 0.9)
	}
	if float64(ideographic)/n > 0.5 || float64(long)/n > 0.5 {
		score = towardNeutral(score, 1.05)
	}
	return score
}

// distinctivenessRule pushes distinctive text toward the extremes.
func distinctivenessRule(score float64, sig *Signals) float64 {
	var sum float64
	for _, t := range sig.Tokens {
		sum += t.TFIDF
	}
	mean := sum / float64(sig.Len())
	return towardNeutral(score, 1+mean*0.2)
}
