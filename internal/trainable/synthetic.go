package trainable

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/accelbench/hpsearch/internal/checkpoint"
	"github.com/accelbench/hpsearch/internal/search"
	"github.com/accelbench/hpsearch/internal/trial"
)

// Synthetic is a small quadratic surrogate of a CNN classifier. Parameters
// move toward fixed targets under SGD with momentum and weight decay, so the
// loss curve depends on lr, momentum and weight_decay the way a real run
// would, only much faster.
//
// Recognized config keys: lr, momentum, weight_decay, optimizer
// ("sgd" or "nesterov") and fail_at_unit, which makes that unit return an
// error.
type Synthetic struct {
	numClasses  int
	lr          MultiStepLR
	momentum    float64
	weightDecay float64
	nesterov    bool
	failAt      int

	names   []string
	params  map[string]checkpoint.Tensor
	targets map[string][]float32
	buffers map[string][]float32
	masks   map[string][]bool
	unit    int
	loss    float64
}

var _ trial.Trainable = (*Synthetic)(nil)
var _ trial.Pruner = (*Synthetic)(nil)

// NewSynthetic builds a Synthetic trainable. It satisfies trial.Factory.
func NewSynthetic(cfg search.TrialConfig, numClasses int) (trial.Trainable, error) {
	if numClasses < 1 {
		return nil, fmt.Errorf("num_classes must be positive, got %d", numClasses)
	}
	lr := cfg.FloatOr("lr", 0.01)
	if lr <= 0 {
		return nil, fmt.Errorf("lr must be positive, got %g", lr)
	}
	s := &Synthetic{
		numClasses:  numClasses,
		lr:          MultiStepLR{Base: lr, Milestones: DefaultMilestones, Gamma: 0.1},
		momentum:    cfg.FloatOr("momentum", 0.9),
		weightDecay: cfg.FloatOr("weight_decay", 4e-5),
		failAt:      int(cfg.FloatOr("fail_at_unit", 0)),
		params:      make(map[string]checkpoint.Tensor),
		targets:     make(map[string][]float32),
		buffers:     make(map[string][]float32),
		masks:       make(map[string][]bool),
	}
	if opt, ok := cfg["optimizer"].(string); ok {
		switch opt {
		case "sgd":
		case "nesterov":
			s.nesterov = true
		default:
			return nil, fmt.Errorf("unknown optimizer %q", opt)
		}
	}

	h := fnv.New64a()
	h.Write([]byte(cfg.String()))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	s.add(rng, "features.0.weight", 8, 3, 3, 3)
	s.add(rng, "features.0.bias", 8)
	s.add(rng, "fc.weight", numClasses, 5)
	s.add(rng, "fc.bias", numClasses)
	s.loss = s.objective()
	return s, nil
}

func (s *Synthetic) add(rng *rand.Rand, name string, shape ...int) {
	t := checkpoint.NewTensor(shape...)
	target := make([]float32, len(t.Data))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * 0.5)
		target[i] = float32(math.Sin(float64(i+1)) * 0.8)
	}
	s.names = append(s.names, name)
	sort.Strings(s.names)
	s.params[name] = t
	s.targets[name] = target
	s.buffers[name] = make([]float32, len(t.Data))
	if strings.HasSuffix(name, ".weight") {
		s.masks[name] = make([]bool, len(t.Data))
	}
}

// TrainUnit takes one SGD step over every parameter.
func (s *Synthetic) TrainUnit(ctx context.Context, unit int) (trial.Metrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.failAt > 0 && unit == s.failAt {
		return nil, fmt.Errorf("injected failure at unit %d", unit)
	}
	lr := s.lr.At(unit)
	mu := float32(s.momentum)
	for name, p := range s.params {
		target := s.targets[name]
		buf := s.buffers[name]
		mask := s.masks[name]
		for i := range p.Data {
			if mask != nil && mask[i] {
				continue
			}
			g := (p.Data[i] - target[i]) + float32(s.weightDecay)*p.Data[i]
			buf[i] = mu*buf[i] + g
			step := buf[i]
			if s.nesterov {
				step = g + mu*buf[i]
			}
			p.Data[i] -= float32(lr) * step
		}
	}
	s.unit = unit
	s.loss = s.objective()
	return trial.Metrics{
		"loss":     s.loss,
		"accuracy": accuracy(s.loss),
	}, nil
}

// Validate reports held-out metrics for the current parameters.
func (s *Synthetic) Validate(ctx context.Context, unit int) (trial.Metrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val := s.loss*1.1 + 0.01
	return trial.Metrics{
		"loss":       val,
		"accuracy":   accuracy(val),
		"current_lr": s.lr.At(unit),
	}, nil
}

func (s *Synthetic) objective() float64 {
	var sum float64
	var n int
	for _, name := range s.names {
		p := s.params[name]
		target := s.targets[name]
		for i, v := range p.Data {
			d := float64(v - target[i])
			sum += d * d
		}
		n += len(p.Data)
	}
	return 0.5*sum/float64(n) + 0.05*math.Log(float64(s.numClasses))
}

func accuracy(loss float64) float64 {
	return 1 / (1 + 4*loss)
}

// State snapshots parameters and SGD momentum buffers.
func (s *Synthetic) State() (*checkpoint.Checkpoint, error) {
	c := &checkpoint.Checkpoint{
		Params: make(map[string]checkpoint.Tensor, len(s.params)),
		Optimizer: checkpoint.OptimizerState{
			Type: s.optimizerName(),
			Hyper: map[string]float64{
				"lr":           s.lr.Base,
				"momentum":     s.momentum,
				"weight_decay": s.weightDecay,
			},
			State: make(map[string]checkpoint.Tensor, len(s.buffers)),
		},
		Unit: s.unit,
	}
	for name, p := range s.params {
		c.Params[name] = p.Clone()
		buf := checkpoint.Tensor{Shape: append([]int(nil), p.Shape...), Data: append([]float32(nil), s.buffers[name]...)}
		c.Optimizer.State[name+".momentum_buffer"] = buf
	}
	return c, nil
}

// LoadState copies parameters and momentum buffers whose shapes match. A
// checkpoint without optimizer state resets momentum to zero.
func (s *Synthetic) LoadState(c *checkpoint.Checkpoint) error {
	if c == nil {
		return fmt.Errorf("nil checkpoint")
	}
	for name, p := range s.params {
		saved, ok := c.Params[name]
		if !ok || !saved.SameShape(p) {
			continue
		}
		copy(p.Data, saved.Data)
		if mask := s.masks[name]; mask != nil {
			for i, v := range p.Data {
				mask[i] = v == 0
			}
		}
	}
	for name, p := range s.params {
		buf := s.buffers[name]
		saved, ok := c.Optimizer.State[name+".momentum_buffer"]
		if !ok || !saved.SameShape(p) {
			clear(buf)
			continue
		}
		copy(buf, saved.Data)
	}
	s.unit = c.Unit
	s.loss = s.objective()
	return nil
}

// Prune zeroes the given fraction of the remaining weights with the
// smallest magnitude, across all weight tensors.
func (s *Synthetic) Prune(amount float64) error {
	if amount < 0 || amount > 1 {
		return fmt.Errorf("prune amount %g out of range [0, 1]", amount)
	}
	type slot struct {
		name string
		i    int
		mag  float32
	}
	var live []slot
	for _, name := range s.names {
		mask := s.masks[name]
		data := s.params[name].Data
		for i, pruned := range mask {
			if !pruned {
				live = append(live, slot{name, i, float32(math.Abs(float64(data[i])))})
			}
		}
	}
	n := int(math.Round(amount * float64(len(live))))
	sort.Slice(live, func(a, b int) bool {
		if live[a].mag != live[b].mag {
			return live[a].mag < live[b].mag
		}
		if live[a].name != live[b].name {
			return live[a].name < live[b].name
		}
		return live[a].i < live[b].i
	})
	for _, sl := range live[:n] {
		s.masks[sl.name][sl.i] = true
		s.params[sl.name].Data[sl.i] = 0
		s.buffers[sl.name][sl.i] = 0
	}
	s.loss = s.objective()
	return nil
}

// Sparsity is the fraction of weights currently pruned.
func (s *Synthetic) Sparsity() float64 {
	var pruned, total int
	for _, mask := range s.masks {
		for _, m := range mask {
			if m {
				pruned++
			}
		}
		total += len(mask)
	}
	if total == 0 {
		return 0
	}
	return float64(pruned) / float64(total)
}

func (s *Synthetic) optimizerName() string {
	if s.nesterov {
		return "nesterov"
	}
	return "sgd"
}
