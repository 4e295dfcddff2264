package scoring

import "math"

const (
	ratingMin      = 1.0
	ratingMax      = 10.0
	ratingMidpoint = 5.0
)

// Normalize converts a raw 1-10 rating into a rater-relative value so
// that habitually generous and habitually harsh raters land on a common
// scale. prior is the population of raw ratings the same rater has
// given before this one, for the same dimension.
//
// With fewer than two priors the raw value passes through unchanged: a
// z-score against an empty or single-point population is meaningless.
// A rater who has only ever given one value (zero spread) maps to the
// midpoint. Otherwise the z-score is re-centered on the midpoint and
// clamped back into the rating range.
//
// Normalization happens once, at submission time, against the priors on
// file at that moment. Stored normalized values are never recomputed.
func Normalize(prior []float64, raw float64) float64 {
	if len(prior) < 2 {
		return raw
	}

	mu := mean(prior)
	sigma := stddev(prior, mu)
	if sigma == 0 {
		return ratingMidpoint
	}

	z := (raw - mu) / sigma
	return clamp(ratingMidpoint+z, ratingMin, ratingMax)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev is the population standard deviation: the priors are the whole
// population of the rater's past ratings, not a sample from it.
func stddev(values []float64, mu float64) float64 {
	var sum float64
	for _, v := range values {
		d := v - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
