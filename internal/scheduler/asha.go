package scheduler

import (
	"sort"
)

type entry struct {
	id    string
	value float64
	seq   int
}

type rung struct {
	milestone int
	recorded  map[string]entry
	waiting   []string
	settled   bool
}

type member struct {
	gone bool
}

// ASHA is asynchronous successive halving. Rungs sit at
// GracePeriod*ReductionFactor^k below MaxT. A trial reaching a rung it has
// not been scored at is compared with the other trials scored there; only
// the top 1/ReductionFactor are allowed past it.
//
// By default the comparison waits for the rung to settle: a trial reaching
// an unsettled rung is paused, and once every trial of the search has either
// reported at that rung or left the search, exactly the best
// ceil(scored/r) are resumed and the rest stopped. With Async set, every
// trial is ranked against the peers scored so far the moment it arrives.
type ASHA struct {
	GracePeriod     int
	MaxT            int
	ReductionFactor int
	Mode            Mode
	Async           bool
	// NumSamples is the total number of trials the search will add. The
	// barrier cannot settle without it; zero forces async ranking.
	NumSamples int

	rungs   []*rung
	members map[string]*member
	seq     int
	pending []Resolution
}

// NewASHA returns an ASHA scheduler.
func NewASHA(grace, maxT, reduction int, mode Mode, async bool, numSamples int) *ASHA {
	a := &ASHA{
		GracePeriod:     grace,
		MaxT:            maxT,
		ReductionFactor: reduction,
		Mode:            mode,
		Async:           async || numSamples <= 0,
		NumSamples:      numSamples,
		members:         make(map[string]*member),
	}
	for m := grace; m < maxT; m *= reduction {
		a.rungs = append(a.rungs, &rung{milestone: m, recorded: make(map[string]entry)})
	}
	return a
}

// Milestones returns the rung thresholds in ascending order.
func (a *ASHA) Milestones() []int {
	out := make([]int, len(a.rungs))
	for i, r := range a.rungs {
		out[i] = r.milestone
	}
	return out
}

func (a *ASHA) OnTrialAdd(id string) {
	if _, ok := a.members[id]; ok {
		return
	}
	a.members[id] = &member{}
}

func (a *ASHA) OnResult(id string, unit int, value float64) Decision {
	m, ok := a.members[id]
	if !ok || m.gone {
		return Continue
	}
	r := a.nextRung(id, unit)
	if r == nil {
		return Continue
	}
	a.seq++
	r.recorded[id] = entry{id: id, value: value, seq: a.seq}

	if a.Async || r.settled {
		return a.judge(id, r)
	}

	r.waiting = append(r.waiting, id)
	if !a.settle(r) {
		return Pause
	}
	// This report settled the rung; answer the reporting trial directly and
	// leave the others in Pending.
	for i := len(a.pending) - 1; i >= 0; i-- {
		if a.pending[i].TrialID == id {
			d := a.pending[i].Decision
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return d
		}
	}
	return Continue
}

func (a *ASHA) OnTrialComplete(id string) { a.leave(id) }

func (a *ASHA) OnTrialRemove(id string) { a.leave(id) }

func (a *ASHA) Pending() []Resolution {
	out := a.pending
	a.pending = nil
	return out
}

// nextRung returns the lowest rung at or below unit the trial has not been
// scored at.
func (a *ASHA) nextRung(id string, unit int) *rung {
	for _, r := range a.rungs {
		if r.milestone > unit {
			return nil
		}
		if _, ok := r.recorded[id]; !ok {
			return r
		}
	}
	return nil
}

// judge ranks id among everything scored at r and stops it when it falls
// outside the top ceil(n/r).
func (a *ASHA) judge(id string, r *rung) Decision {
	ranked := a.rank(r)
	cutoff := a.cutoff(len(ranked))
	for i, e := range ranked {
		if e.id == id {
			if i < cutoff {
				return Continue
			}
			a.members[id].gone = true
			a.afterLeave()
			return Stop
		}
	}
	return Continue
}

// settle resolves every trial waiting at r once the rung is complete. It
// reports whether the rung is settled.
func (a *ASHA) settle(r *rung) bool {
	if r.settled {
		return true
	}
	if len(a.members) < a.NumSamples {
		return false
	}
	for id, m := range a.members {
		if _, ok := r.recorded[id]; ok {
			continue
		}
		if m.gone {
			continue
		}
		return false
	}
	r.settled = true

	ranked := a.rank(r)
	keep := make(map[string]bool, len(ranked))
	for _, e := range ranked[:a.cutoff(len(ranked))] {
		keep[e.id] = true
	}
	waiting := r.waiting
	r.waiting = nil
	var stopped bool
	for _, id := range waiting {
		if keep[id] {
			a.pending = append(a.pending, Resolution{TrialID: id, Decision: Continue})
			continue
		}
		a.members[id].gone = true
		stopped = true
		a.pending = append(a.pending, Resolution{TrialID: id, Decision: Stop})
	}
	if stopped {
		a.afterLeave()
	}
	return true
}

// leave marks a trial as gone. A trial waiting at a rung gives up its place
// there so the promoted count reflects live trials only.
func (a *ASHA) leave(id string) {
	m, ok := a.members[id]
	if !ok || m.gone {
		return
	}
	m.gone = true
	for _, r := range a.rungs {
		for i, w := range r.waiting {
			if w == id {
				r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
				delete(r.recorded, id)
				break
			}
		}
	}
	a.afterLeave()
}

// afterLeave re-checks unsettled rungs, since a departure can complete one.
func (a *ASHA) afterLeave() {
	if a.Async {
		return
	}
	for _, r := range a.rungs {
		if !r.settled && len(r.waiting) > 0 {
			a.settle(r)
		}
	}
}

func (a *ASHA) rank(r *rung) []entry {
	ranked := make([]entry, 0, len(r.recorded))
	for _, e := range r.recorded {
		ranked = append(ranked, e)
	}
	sort.Slice(ranked, func(i, j int) bool {
		x, y := ranked[i], ranked[j]
		if x.value != y.value {
			if a.Mode == Max {
				return x.value > y.value
			}
			return x.value < y.value
		}
		return x.seq < y.seq
	})
	return ranked
}

func (a *ASHA) cutoff(n int) int {
	return (n + a.ReductionFactor - 1) / a.ReductionFactor
}
