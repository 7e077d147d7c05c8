package distribution

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// maskTensor returns a mask of shape (batch, width) with every batch
// row holding the argument row.
func maskTensor(batch int, row []float64) *tensor.Dense {
	data := make([]float64, batch*len(row))
	for i := 0; i < batch; i++ {
		copy(data[i*len(row):(i+1)*len(row)], row)
	}
	return tensor.NewDense(
		tensor.Float64,
		[]int{batch, len(row)},
		tensor.WithBacking(data),
	)
}

// TestMultiCategoricalInstances checks that one instance is returned
// per branch and that samples have one choice index per batch row
// within the branch's range.
func TestMultiCategoricalInstances(t *testing.T) {
	const batch, features = 4, 3
	branches := []int{3, 2}

	dist, err := NewMultiCategorical(features, branches, G.GlorotU(1.0), 42)
	if err != nil {
		t.Fatalf("could not create MultiCategorical: %v", err)
	}

	encoding := randomEncoding(batch, features, 42)
	instances, err := dist.Instances(encoding, nil)
	if err != nil {
		t.Fatalf("could not create instances: %v", err)
	}
	if len(instances) != len(branches) {
		t.Fatalf("unexpected number of instances \n\twant(%v) \n\thave(%v)",
			len(branches), len(instances))
	}

	for b, instance := range instances {
		sample, err := instance.Sample()
		if err != nil {
			t.Fatalf("could not sample branch %v: %v", b, err)
		}
		shape := sample.Shape()
		if len(shape) != 1 || shape[0] != batch {
			t.Errorf("unexpected sample shape for branch %v \n\twant(%v) "+
				"\n\thave(%v)", b, batch, shape)
		}
		for _, value := range sample.Data().([]float64) {
			if value < 0 || value >= float64(branches[b]) {
				t.Errorf("sampled choice outside branch %v range: %v", b,
					value)
			}
		}
	}
}

// TestMultiCategoricalMasking ensures that choices flagged invalid by
// the mask are never sampled, receive near-zero log probability, and
// are excluded from normalization.
func TestMultiCategoricalMasking(t *testing.T) {
	const batch, features = 6, 3
	branches := []int{3, 2}

	dist, err := NewMultiCategorical(features, branches, G.GlorotU(1.0), 7)
	if err != nil {
		t.Fatalf("could not create MultiCategorical: %v", err)
	}

	// Only choice 1 of branch 0 is valid; both choices of branch 1 are
	// valid
	mask := maskTensor(batch, []float64{0, 1, 0, 1, 1})
	encoding := randomEncoding(batch, features, 7)

	instances, err := dist.Instances(encoding, mask)
	if err != nil {
		t.Fatalf("could not create instances: %v", err)
	}

	sample, err := instances[0].Sample()
	if err != nil {
		t.Fatalf("could not sample: %v", err)
	}
	for _, value := range sample.Data().([]float64) {
		if value != 1.0 {
			t.Errorf("sampled a masked-out choice \n\twant(%v) "+
				"\n\thave(%v)", 1.0, value)
		}
	}

	// A masked-out choice holds exactly zero mass, so its log
	// probability is log(Epsilon)
	invalid := tensor.NewDense(
		tensor.Float64,
		[]int{batch},
		tensor.WithBacking(make([]float64, batch)),
	)
	logProb, err := instances[0].LogProb(invalid)
	if err != nil {
		t.Fatalf("could not compute log probability: %v", err)
	}
	for _, value := range logProb.Data().([]float64) {
		if math.Abs(value-math.Log(Epsilon)) > 1e-8 {
			t.Errorf("unexpected log probability of a masked-out choice "+
				"\n\twant(%v) \n\thave(%v)", math.Log(Epsilon), value)
		}
	}

	// The single valid choice holds all the mass, so the branch
	// entropy is approximately zero
	entropy := instances[0].Entropy()
	for _, value := range entropy.Data().([]float64) {
		if math.Abs(value) > 1e-4 {
			t.Errorf("unexpected entropy with one valid choice "+
				"\n\twant(%v) \n\thave(%v)", 0.0, value)
		}
	}

	// The most probable choice is the only valid one
	exported := instances[0].Exported()
	for _, value := range exported.Data().([]float64) {
		if value != 1.0 {
			t.Errorf("unexpected exported choice \n\twant(%v) "+
				"\n\thave(%v)", 1.0, value)
		}
	}
}

// TestMultiCategoricalInvalidMask checks that malformed masks are
// rejected.
func TestMultiCategoricalInvalidMask(t *testing.T) {
	const batch, features = 2, 3
	branches := []int{3, 2}

	dist, err := NewMultiCategorical(features, branches, G.GlorotU(1.0), 3)
	if err != nil {
		t.Fatalf("could not create MultiCategorical: %v", err)
	}
	encoding := randomEncoding(batch, features, 3)

	// Wrong width
	narrow := maskTensor(batch, []float64{1, 1, 1})
	if _, err := dist.Instances(encoding, narrow); err == nil {
		t.Error("expected an error for a mask of the wrong width")
	}

	// No valid choices for branch 1
	empty := maskTensor(batch, []float64{1, 1, 1, 0, 0})
	if _, err := dist.Instances(encoding, empty); err == nil {
		t.Error("expected an error for a mask with no valid choices")
	}
}

// TestMultiCategoricalLogProbOf checks that the total log probability
// computed by the computational graph agrees with the sum of the
// per-branch log probabilities computed by distribution instances.
func TestMultiCategoricalLogProbOf(t *testing.T) {
	const batch, features = 3, 4
	const tolerance = 1e-8
	branches := []int{3, 2}

	dist, err := NewMultiCategorical(features, branches, G.GlorotN(1.0), 11)
	if err != nil {
		t.Fatalf("could not create MultiCategorical: %v", err)
	}
	encoding := randomEncoding(batch, features, 11)

	instances, err := dist.Instances(encoding, nil)
	if err != nil {
		t.Fatalf("could not create instances: %v", err)
	}

	actionData := make([]float64, batch*len(branches))
	want := make([]float64, batch)
	for b, instance := range instances {
		sample, err := instance.Sample()
		if err != nil {
			t.Fatalf("could not sample branch %v: %v", b, err)
		}
		logProb, err := instance.LogProb(sample)
		if err != nil {
			t.Fatalf("could not compute log probability for branch %v: %v",
				b, err)
		}

		sampleData := sample.Data().([]float64)
		logProbData := logProb.Data().([]float64)
		for i := 0; i < batch; i++ {
			actionData[i*len(branches)+b] = sampleData[i]
			want[i] += logProbData[i]
		}
	}

	actions := tensor.NewDense(
		tensor.Float64,
		[]int{batch, len(branches)},
		tensor.WithBacking(actionData),
	)
	if _, err := dist.LogProbOf(encoding, nil, actions); err != nil {
		t.Fatalf("could not compute graph log probability: %v", err)
	}
	have := dist.LogProbVal().Data().([]float64)

	for i := range want {
		if math.Abs(want[i]-have[i]) > tolerance {
			t.Errorf("graph log probability disagrees with instance log "+
				"probability at row %v \n\twant(%v) \n\thave(%v)", i,
				want[i], have[i])
		}
	}
}

// TestMultiCategoricalLogProbOfInvalidActions ensures that
// out-of-range choice indices are rejected.
func TestMultiCategoricalLogProbOfInvalidActions(t *testing.T) {
	const batch, features = 2, 3
	branches := []int{3, 2}

	dist, err := NewMultiCategorical(features, branches, G.GlorotU(1.0), 5)
	if err != nil {
		t.Fatalf("could not create MultiCategorical: %v", err)
	}
	encoding := randomEncoding(batch, features, 5)

	actions := tensor.NewDense(
		tensor.Float64,
		[]int{batch, len(branches)},
		tensor.WithBacking([]float64{0, 2, 1, 1}),
	)
	if _, err := dist.LogProbOf(encoding, nil, actions); err == nil {
		t.Error("expected an error for an out-of-range choice index")
	}
}

// TestMultiCategoricalStructure checks that branch samples are
// reshaped into single columns for concatenation into flattened
// actions.
func TestMultiCategoricalStructure(t *testing.T) {
	const batch, features = 3, 3
	branches := []int{4}

	dist, err := NewMultiCategorical(features, branches, G.GlorotU(1.0), 2)
	if err != nil {
		t.Fatalf("could not create MultiCategorical: %v", err)
	}
	encoding := randomEncoding(batch, features, 2)

	instances, err := dist.Instances(encoding, nil)
	if err != nil {
		t.Fatalf("could not create instances: %v", err)
	}
	sample, err := instances[0].Sample()
	if err != nil {
		t.Fatalf("could not sample: %v", err)
	}

	structured, err := instances[0].Structure(sample)
	if err != nil {
		t.Fatalf("could not structure sample: %v", err)
	}
	shape := structured.Shape()
	if len(shape) != 2 || shape[0] != batch || shape[1] != 1 {
		t.Errorf("unexpected structured shape \n\twant(%v x %v) "+
			"\n\thave(%v)", batch, 1, shape)
	}

	sampleData := sample.Data().([]float64)
	structuredData := structured.Data().([]float64)
	for i := range sampleData {
		if sampleData[i] != structuredData[i] {
			t.Errorf("structured sample differs at row %v \n\twant(%v) "+
				"\n\thave(%v)", i, sampleData[i], structuredData[i])
		}
	}
}
