package trainable

// MultiStepLR decays the base learning rate by Gamma once the number of
// completed units reaches each milestone.
type MultiStepLR struct {
	Base       float64
	Milestones []int
	Gamma      float64
}

// DefaultMilestones are the decay points used by the built-in trainables.
var DefaultMilestones = []int{150, 200, 250}

// At returns the learning rate in effect while training the given unit
// (1-based).
func (s MultiStepLR) At(unit int) float64 {
	lr := s.Base
	for _, m := range s.Milestones {
		if unit-1 >= m {
			lr *= s.Gamma
		}
	}
	return lr
}
