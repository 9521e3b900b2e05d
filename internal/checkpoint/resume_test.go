package checkpoint

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filled(v float32, shape ...int) Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func savedCheckpoint() *Checkpoint {
	return &Checkpoint{
		Params: map[string]Tensor{
			"features.0.weight": filled(1, 4, 3),
			"fc.weight":         filled(2, 10, 5),
			"aux.weight":        filled(3, 2),
		},
		Optimizer: OptimizerState{
			Type:  "sgd",
			Hyper: map[string]float64{"lr": 0.1, "momentum": 0.9},
			State: map[string]Tensor{
				"features.0.weight": filled(0.5, 4, 3),
				"fc.weight":         filled(0.5, 10, 5),
			},
		},
		Unit: 120,
	}
}

func liveCheckpoint() *Checkpoint {
	return &Checkpoint{
		Params: map[string]Tensor{
			"features.0.weight": filled(-1, 4, 3),
			"fc.weight":         filled(-2, 20, 5),
		},
		Optimizer: OptimizerState{Type: "sgd", Hyper: map[string]float64{"lr": 0.05}},
	}
}

func TestResume_ShapeMismatchKeepsLiveValue(t *testing.T) {
	loaded, warnings := Resume(savedCheckpoint(), liveCheckpoint())

	require.Len(t, warnings, 2)
	assert.Equal(t, Warning{Kind: DroppedParam, Key: "aux.weight", SavedShape: []int{2}}, warnings[0])
	assert.Equal(t, ShapeMismatch, warnings[1].Kind)
	assert.Equal(t, "fc.weight", warnings[1].Key)
	assert.Equal(t, []int{10, 5}, warnings[1].SavedShape)
	assert.Equal(t, []int{20, 5}, warnings[1].LiveShape)
	assert.Contains(t, warnings[1].String(), "fc.weight")

	fc := loaded.Params["fc.weight"]
	assert.Equal(t, []int{20, 5}, fc.Shape)
	assert.Equal(t, float32(-2), fc.Data[0])

	feat := loaded.Params["features.0.weight"]
	assert.Equal(t, float32(1), feat.Data[0])

	assert.NotContains(t, loaded.Params, "aux.weight")
	assert.Empty(t, loaded.Optimizer.State, "momentum must be cleared after a mismatch")
	assert.Equal(t, 0.1, loaded.Optimizer.Hyper["lr"])
	assert.Equal(t, 120, loaded.Unit)
}

func TestResume_ExactMatchKeepsMomentum(t *testing.T) {
	saved := savedCheckpoint()
	delete(saved.Params, "aux.weight")
	live := liveCheckpoint()
	live.Params["fc.weight"] = filled(0, 10, 5)

	loaded, warnings := Resume(saved, live)
	assert.Empty(t, warnings)
	assert.Len(t, loaded.Optimizer.State, 2)
	assert.Equal(t, float32(2), loaded.Params["fc.weight"].Data[3])
}

func TestResume_Idempotent(t *testing.T) {
	saved := savedCheckpoint()
	a, wa := Resume(saved, liveCheckpoint())
	b, wb := Resume(saved, liveCheckpoint())
	assert.Equal(t, a, b)
	assert.Equal(t, wa, wb)
}

func TestResume_DoesNotMutateInputs(t *testing.T) {
	saved := savedCheckpoint()
	live := liveCheckpoint()
	loaded, _ := Resume(saved, live)
	loaded.Params["features.0.weight"].Data[0] = 42

	assert.Equal(t, float32(1), saved.Params["features.0.weight"].Data[0])
	assert.Equal(t, float32(-1), live.Params["features.0.weight"].Data[0])
	assert.Len(t, saved.Optimizer.State, 2)
}

func TestResume_MetadataIsCopied(t *testing.T) {
	saved := savedCheckpoint()
	saved.Metadata = Metadata{TrialID: "t1", Metrics: map[string]float64{"accuracy": 0.9}}
	loaded, _ := Resume(saved, liveCheckpoint())
	assert.Equal(t, saved.Metadata, loaded.Metadata)

	loaded.Metadata.Metrics["accuracy"] = 0.1
	loaded.Metadata.Metrics["loss"] = 3
	assert.Equal(t, map[string]float64{"accuracy": 0.9}, saved.Metadata.Metrics)
}

func TestStripOptimizerMomentum(t *testing.T) {
	saved := savedCheckpoint()
	stripped := StripOptimizerMomentum(saved)
	assert.Empty(t, stripped.Optimizer.State)
	assert.Equal(t, 0.9, stripped.Optimizer.Hyper["momentum"])
	assert.Len(t, saved.Optimizer.State, 2)
	assert.Nil(t, StripOptimizerMomentum(nil))
}

type fakeModel struct {
	live   *Checkpoint
	loaded *Checkpoint
}

func (f *fakeModel) State() (*Checkpoint, error) { return f.live.Clone(), nil }

func (f *fakeModel) LoadState(c *Checkpoint) error {
	f.loaded = c
	return nil
}

func TestManager_Resume(t *testing.T) {
	m := NewManager(logr.Discard())

	model := &fakeModel{live: liveCheckpoint()}
	warnings, err := m.Resume(model, savedCheckpoint(), false)
	require.NoError(t, err)
	assert.Len(t, warnings, 2)
	assert.Empty(t, model.loaded.Optimizer.State)

	saved := savedCheckpoint()
	delete(saved.Params, "aux.weight")
	saved.Params["fc.weight"] = filled(2, 20, 5)
	saved.Optimizer.State["fc.weight"] = filled(0.5, 20, 5)

	model = &fakeModel{live: liveCheckpoint()}
	warnings, err = m.Resume(model, saved, false)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Len(t, model.loaded.Optimizer.State, 2)

	model = &fakeModel{live: liveCheckpoint()}
	_, err = m.Resume(model, saved, true)
	require.NoError(t, err)
	assert.Empty(t, model.loaded.Optimizer.State, "forced reset clears momentum")
}
