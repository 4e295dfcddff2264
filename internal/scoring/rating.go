package scoring

// pointsCap is the fixed point range the composite formula maps onto
// the rating scale. It matches the default ceiling but is part of the
// formula, not the point table.
const pointsCap = 1000.0

// CompositeRating blends a requester's mean normalized ratings with
// their accumulated points into a single 0-10 figure.
//
// The base is the mean of the two rating averages, with a missing
// dimension contributing zero. Points then lift the base toward 10:
// a requester at the point cap scores a full 10 regardless of base,
// one at zero keeps the bare base. The lift is proportional, so the
// same point total helps a weak base more than a strong one.
func CompositeRating(avgQuality, avgAppropriateness *float64, points int) float64 {
	var q, a float64
	if avgQuality != nil {
		q = *avgQuality
	}
	if avgAppropriateness != nil {
		a = *avgAppropriateness
	}
	base := (q + a) / 2

	capped := clamp(float64(points), 0, pointsCap)
	return clamp(base+(capped/pointsCap)*(ratingMax-base), 0, ratingMax)
}
