package trial

// PruneSchedule returns the fraction of weights to prune at the end of the
// given training unit. Zero means no pruning at that unit.
type PruneSchedule func(unit int) float64

// EveryN prunes amount every n units, e.g. EveryN(100, 0.1).
func EveryN(n int, amount float64) PruneSchedule {
	if n <= 0 || amount <= 0 {
		return nil
	}
	return func(unit int) float64 {
		if unit%n == 0 {
			return amount
		}
		return 0
	}
}

// Pruner is implemented by trainables that support magnitude pruning.
type Pruner interface {
	Prune(amount float64) error
	Sparsity() float64
}
