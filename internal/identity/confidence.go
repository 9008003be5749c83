package identity

// ConfidenceScorer maps the number of distinct corroborating appearances of a
// person to an identity confidence in [0, 1]. Implementations must be
// non-decreasing in appearances.
type ConfidenceScorer func(appearances int) float64

// HalfLifeConfidence returns a saturating scorer that reaches 0.5 at halfLife
// appearances and approaches 1 as evidence accumulates.
func HalfLifeConfidence(halfLife float64) ConfidenceScorer {
	if halfLife <= 0 {
		halfLife = 3
	}
	return func(appearances int) float64 {
		if appearances <= 0 {
			return 0
		}
		n := float64(appearances)
		return n / (n + halfLife)
	}
}

// confirmedConfidence is the confidence of a person an operator confirmed.
const confirmedConfidence = 1.0
