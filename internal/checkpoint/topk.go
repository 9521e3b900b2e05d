package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// TopK keeps the k best checkpoints of each trial by a monitored metric and
// deletes the ones that fall out of the top.
type TopK struct {
	Store   Store
	K       int
	Monitor string
	Max     bool
	// Every > 1 only offers checkpoints at units divisible by it.
	Every int

	mu   sync.Mutex
	kept map[string][]ranked
}

type ranked struct {
	key   string
	value float64
}

// NewTopK returns a keeper over store. k <= 0 disables it.
func NewTopK(store Store, k int, monitor string, maximize bool) *TopK {
	return &TopK{Store: store, K: k, Monitor: monitor, Max: maximize, kept: make(map[string][]ranked)}
}

func (t *TopK) better(a, b float64) bool {
	if t.Max {
		return a > b
	}
	return a < b
}

// Due reports whether a checkpoint taken after unit should be offered.
func (t *TopK) Due(unit int) bool {
	if t == nil || t.K <= 0 {
		return false
	}
	return t.Every <= 1 || unit%t.Every == 0
}

// Offer saves c for trialID if its monitored metric ranks in the top k.
// It returns the key it was saved under, or "" when it was not kept.
func (t *TopK) Offer(ctx context.Context, trialID string, c *Checkpoint, metrics map[string]float64) (string, error) {
	if t == nil || t.K <= 0 {
		return "", nil
	}
	v, ok := metrics[t.Monitor]
	if !ok {
		return "", nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.kept[trialID]
	if len(list) >= t.K && !t.better(v, list[len(list)-1].value) {
		return "", nil
	}

	key := fmt.Sprintf("trials/%s/unit%04d-%s%.4f.json", trialID, c.Unit, t.Monitor, v)
	if err := t.Store.Save(ctx, key, c); err != nil {
		return "", err
	}
	list = append(list, ranked{key: key, value: v})
	sort.SliceStable(list, func(i, j int) bool { return t.better(list[i].value, list[j].value) })
	for len(list) > t.K {
		evict := list[len(list)-1]
		list = list[:len(list)-1]
		if err := t.Store.Delete(ctx, evict.key); err != nil {
			return key, err
		}
	}
	t.kept[trialID] = list
	return key, nil
}

// Best returns the key of the best kept checkpoint for trialID.
func (t *TopK) Best(trialID string) (string, bool) {
	if t == nil {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.kept[trialID]
	if len(list) == 0 {
		return "", false
	}
	return list[0].key, true
}
