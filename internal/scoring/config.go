package scoring

// Outcome is the categorical disposition a radiologist assigns to an
// out-of-hours scan request.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeDelayed    Outcome = "delayed"
	OutcomeRejected   Outcome = "rejected"
	OutcomeInfoNeeded Outcome = "info_needed"
)

// Config is the versioned point table. The outcome set and deltas have
// changed across schema generations (an earlier table was accepted:+5
// with no info_needed and no ceiling), so the rules are injected into
// the ledger rather than hard-coded. DefaultConfig is the current
// generation and is what the test suite locks down.
type Config struct {
	Deltas         map[Outcome]int
	StartingPoints int
	PointsFloor    int
	PointsCeiling  int
}

// DefaultConfig returns the current-generation scoring table.
func DefaultConfig() Config {
	return Config{
		Deltas: map[Outcome]int{
			OutcomeAccepted:   1,
			OutcomeDelayed:    -5,
			OutcomeRejected:   -10,
			OutcomeInfoNeeded: -5,
		},
		StartingPoints: 500,
		PointsFloor:    0,
		PointsCeiling:  1000,
	}
}

// Delta returns the point consequence for an outcome. The second value
// is false for unrecognized outcomes.
func (c Config) Delta(o Outcome) (int, bool) {
	d, ok := c.Deltas[o]
	return d, ok
}

// ClampPoints clamps a point total to [floor, ceiling]. Applied on
// every write so the stored total never leaves the valid range.
func (c Config) ClampPoints(p int) int {
	if p < c.PointsFloor {
		return c.PointsFloor
	}
	if p > c.PointsCeiling {
		return c.PointsCeiling
	}
	return p
}
