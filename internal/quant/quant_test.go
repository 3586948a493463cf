package quant

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/samcharles93/zeroq/internal/data"
	"github.com/samcharles93/zeroq/internal/nn"
	"github.com/samcharles93/zeroq/internal/tensor"
)

func randomTensor(seed int64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	tensor.FillNormal(t, rand.New(rand.NewSource(seed)), 0, 1)
	return t
}

func convBlock(rng *rand.Rand, in, out int, relu bool) *nn.Sequential {
	c := nn.NewConv2d(in, out, 3, 1, 1, 1, false)
	tensor.FillNormal(c.Weight, rng, 0, math.Sqrt(2/float64(in*9)))
	bn := nn.NewBatchNorm2d(out)
	tensor.FillNormal(bn.Bias, rng, 0, 0.2)
	s := nn.NewSequential(nn.Child{Name: "conv", Module: c}, nn.Child{Name: "bn", Module: bn})
	if relu {
		s.Add("activ", nn.NewReLU())
	}
	return s
}

// testNet is a small residual classifier with five outputs.
func testNet() *nn.Sequential {
	rng := rand.New(rand.NewSource(17))
	features := convBlock(rng, 3, 6, true)
	block := &nn.Residual{
		Body: nn.NewSequential(
			nn.Child{Name: "conv1", Module: convBlock(rng, 6, 6, true)},
			nn.Child{Name: "conv2", Module: convBlock(rng, 6, 6, false)},
		),
		Activation: nn.NewReLU6(),
	}
	out := nn.NewLinear(6, 5, true)
	tensor.FillNormal(out.Weight, rng, 0, 1)
	return nn.NewSequential(
		nn.Child{Name: "features", Module: features},
		nn.Child{Name: "block", Module: block},
		nn.Child{Name: "pool", Module: &nn.GlobalAvgPool2d{}},
		nn.Child{Name: "flatten", Module: &nn.Flatten{}},
		nn.Child{Name: "output", Module: out},
	)
}

func TestFakeQuantizeKnownValues(t *testing.T) {
	t.Parallel()
	// 2 bits over [0, 3]: scale 1, levels 0..3.
	src := []float32{1.4, 5, -1, 2.5, 3}
	dst := make([]float32, len(src))
	FakeQuantize(dst, src, 0, 3, 2)
	want := []float32{1, 3, 0, 2, 3}
	if !slices.Equal(dst, want) {
		t.Fatalf("got %v want %v", dst, want)
	}
}

func TestFakeQuantizeProperties(t *testing.T) {
	t.Parallel()
	x := randomTensor(1, 4096)
	lo, hi := tensor.MinMax(x.Data)
	for _, bits := range []int{2, 4, 8} {
		q := make([]float32, x.Len())
		FakeQuantize(q, x.Data, lo, hi, bits)
		scale, _ := Params(lo, hi, bits)
		levels := map[float32]bool{}
		for i, v := range q {
			if err := math.Abs(float64(v - x.Data[i])); err > 0.5/scale+1e-5 {
				t.Fatalf("bits=%d: |%v-%v| exceeds half a step", bits, v, x.Data[i])
			}
			if float64(v) < float64(lo)-0.5/scale-1e-5 || float64(v) > float64(hi)+0.5/scale+1e-5 {
				t.Fatalf("bits=%d: %v outside [%v, %v]", bits, v, lo, hi)
			}
			levels[v] = true
		}
		if len(levels) > 1<<bits {
			t.Fatalf("bits=%d: %d distinct levels", bits, len(levels))
		}
		again := make([]float32, len(q))
		FakeQuantize(again, q, lo, hi, bits)
		if d := tensor.MaxAbsDiff(q, again); d != 0 {
			t.Fatalf("bits=%d: not idempotent, moved by %g", bits, d)
		}
	}
}

func TestQuantizeWeightPerChannel(t *testing.T) {
	t.Parallel()
	w := randomTensor(2, 4, 3, 3, 3)
	// Give channels very different ranges.
	for i := range w.Data {
		w.Data[i] *= float32(1 + 10*(i/27))
	}
	q := QuantizeWeight(w, 8)
	for c := 0; c < 4; c++ {
		row := w.Data[c*27 : (c+1)*27]
		lo, hi := tensor.MinMax(row)
		step := float64(hi-lo) / 255
		if d := tensor.MaxAbsDiff(row, q.Data[c*27:(c+1)*27]); d > step/2+1e-5 {
			t.Fatalf("channel %d error %g exceeds %g", c, d, step/2)
		}
	}
}

func TestQuantizeRewritesNetwork(t *testing.T) {
	t.Parallel()
	net := testNet()
	x := randomTensor(3, 2, 3, 6, 6)
	ref := net.Forward(x).Clone()
	paramsBefore := len(nn.Parameters(net))

	m, err := Quantizer{WeightBits: 8, ActBits: 8}.Quantize(net)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	var paths []string
	for _, l := range m.Layers {
		paths = append(paths, l.Path())
	}
	want := []string{
		"features.conv",
		"features.activ.quant",
		"block.body.conv1.conv",
		"block.body.conv1.activ.quant",
		"block.body.conv2.conv",
		"block.activ.quant",
		"output",
	}
	if !slices.Equal(paths, want) {
		t.Fatalf("layers %v\nwant %v", paths, want)
	}
	if len(m.WeightLayers()) != 4 || len(m.ActLayers()) != 3 {
		t.Fatalf("%d weight and %d activation layers", len(m.WeightLayers()), len(m.ActLayers()))
	}
	if _, ok := nn.Find(net, "features.conv").(*QuantConv2d); !ok {
		t.Fatal("conv not replaced")
	}
	if _, ok := nn.Find(net, "output").(*QuantLinear); !ok {
		t.Fatal("linear not replaced")
	}
	if _, ok := nn.Find(net, "block.activ.relu").(*nn.ReLU); !ok {
		t.Fatal("residual activation not wrapped")
	}
	if got := len(nn.Parameters(net)); got != paramsBefore {
		t.Fatalf("parameter count changed from %d to %d", paramsBefore, got)
	}

	m.SetFullPrecision(true)
	if d := tensor.MaxAbsDiff(ref.Data, net.Forward(x).Data); d != 0 {
		t.Fatalf("full precision output differs by %g", d)
	}
	m.SetFullPrecision(false)
	if d := tensor.MaxAbsDiff(ref.Data, net.Forward(x).Data); d == 0 || d > 0.5 {
		t.Fatalf("8-bit output differs by %g", d)
	}

	if _, err := (Quantizer{WeightBits: 0, ActBits: 8}).Quantize(testNet()); err == nil {
		t.Fatal("expected error for zero weight bits")
	}
}

func TestUpdateWidensRangesAndFreezeStops(t *testing.T) {
	t.Parallel()
	net := testNet()
	m, err := Quantizer{WeightBits: 8, ActBits: 8}.Quantize(net)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	act := m.ActLayers()[0]
	if act.Observed() {
		t.Fatal("fresh QuantAct should be uncalibrated")
	}

	small := randomTensor(4, 2, 3, 6, 6)
	n, err := Update(context.Background(), m, data.NewTensorLoader(small, small), 1)
	if err != nil || n != 1 {
		t.Fatalf("Update: n=%d err=%v", n, err)
	}
	if !act.Observed() || act.Min != 0 || act.Max <= 0 {
		t.Fatalf("range after first update [%v, %v]", act.Min, act.Max)
	}
	first := act.Max

	large := small.Clone()
	large.Scale(10)
	if _, err := Update(context.Background(), m, data.NewTensorLoader(small, large), 0); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if act.Max < first {
		t.Fatalf("range shrank from %v to %v", first, act.Max)
	}
	if act.Max == first {
		t.Fatal("larger inputs did not widen the range")
	}

	m.Freeze()
	frozen := act.Max
	huge := small.Clone()
	huge.Scale(1000)
	net.Forward(huge)
	if act.Max != frozen {
		t.Fatalf("frozen range moved from %v to %v", frozen, act.Max)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Update(ctx, m, data.NewTensorLoader(small), 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAnalyzeOrdersWidthsAndRestoresState(t *testing.T) {
	t.Parallel()
	net := testNet()
	m, err := Quantizer{WeightBits: 8, ActBits: 8}.Quantize(net)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	batch := randomTensor(5, 8, 3, 6, 6)
	if _, err := Update(context.Background(), m, data.NewTensorLoader(batch), 0); err != nil {
		t.Fatalf("Update: %v", err)
	}
	m.Layer("output").SetBits(6)
	act := m.ActLayers()[1]
	lo, hi := act.Min, act.Max

	sens, err := Analyze(context.Background(), m, batch.Clone(), nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(sens) != 4 {
		t.Fatalf("got %d sensitivities", len(sens))
	}
	for _, s := range sens {
		if len(s.KL) != 3 {
			t.Fatalf("%s: widths %v", s.Layer, s.KL)
		}
		if s.KL[2] < s.KL[8] {
			t.Errorf("%s: 2-bit KL %g below 8-bit KL %g", s.Layer, s.KL[2], s.KL[8])
		}
		if s.KL[8] < -1e-9 || s.KL[8] > 1e-2 {
			t.Errorf("%s: 8-bit KL %g", s.Layer, s.KL[8])
		}
	}
	if sens[0].Params != 6*3*9 {
		t.Fatalf("first layer params %d", sens[0].Params)
	}

	if got := m.Layer("output").Bits(); got != 6 {
		t.Fatalf("bits not restored: %d", got)
	}
	for _, l := range m.Layers {
		if l.FullPrecision() {
			t.Fatalf("%s left in full precision", l.Path())
		}
	}
	if !act.Running || act.Min != lo || act.Max != hi {
		t.Fatalf("activation state changed: running=%t [%v, %v]", act.Running, act.Min, act.Max)
	}
}

func TestAllocateHandChecked(t *testing.T) {
	t.Parallel()
	sens := []Sensitivity{
		{Layer: "a", Params: 100, KL: map[int]float64{2: 10, 4: 1, 8: 0}},
		{Layer: "b", Params: 100, KL: map[int]float64{2: 5, 4: 4, 8: 0}},
	}
	tests := []struct {
		target float64
		bits   map[string]int
		sens   float64
	}{
		{8, map[string]int{"a": 8, "b": 8}, 0},
		{6, map[string]int{"a": 4, "b": 8}, 1},
		{4, map[string]int{"a": 4, "b": 4}, 5},
		{3, map[string]int{"a": 4, "b": 2}, 6},
		{2, map[string]int{"a": 2, "b": 2}, 15},
	}
	for _, tc := range tests {
		a, err := Allocate(sens, tc.target)
		if err != nil {
			t.Fatalf("target %v: %v", tc.target, err)
		}
		if a.Sensitivity != tc.sens || a.Bits["a"] != tc.bits["a"] || a.Bits["b"] != tc.bits["b"] {
			t.Errorf("target %v: got %+v, want bits %v sens %v", tc.target, a, tc.bits, tc.sens)
		}
		if a.AverageBits > tc.target {
			t.Errorf("target %v: average %v over budget", tc.target, a.AverageBits)
		}
	}
	if _, err := Allocate(sens, 1.5); !errors.Is(err, ErrBudgetTooSmall) {
		t.Fatalf("expected ErrBudgetTooSmall, got %v", err)
	}
}

func TestAllocateMatchesExhaustiveSearch(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(23))
	widths := []int{2, 4, 8}
	sens := make([]Sensitivity, 7)
	for i := range sens {
		s := Sensitivity{Layer: string(rune('a' + i)), Params: 10 + rng.Intn(500), KL: map[int]float64{}}
		prev := 0.0
		for j := len(widths) - 1; j >= 0; j-- {
			prev += rng.Float64()
			s.KL[widths[j]] = prev
		}
		sens[i] = s
	}
	var params int
	for _, s := range sens {
		params += s.Params
	}

	for _, target := range []float64{2.5, 4, 5.5, 7} {
		budget := int(math.Floor(target * float64(params)))
		best := math.Inf(1)
		var search func(i, cost int, total float64)
		search = func(i, cost int, total float64) {
			if cost > budget {
				return
			}
			if i == len(sens) {
				best = math.Min(best, total)
				return
			}
			for _, b := range widths {
				search(i+1, cost+sens[i].Params*b, total+sens[i].KL[b])
			}
		}
		search(0, 0, 0)

		a, err := Allocate(sens, target)
		if err != nil {
			t.Fatalf("target %v: %v", target, err)
		}
		if math.Abs(a.Sensitivity-best) > 1e-9 {
			t.Fatalf("target %v: sensitivity %v, exhaustive %v", target, a.Sensitivity, best)
		}
		var cost int64
		var total float64
		for _, s := range sens {
			cost += int64(s.Params * a.Bits[s.Layer])
			total += s.KL[a.Bits[s.Layer]]
		}
		if cost != a.WeightBits || cost > int64(budget) || math.Abs(total-a.Sensitivity) > 1e-9 {
			t.Fatalf("target %v: inconsistent allocation %+v (cost %d, total %v)", target, a, cost, total)
		}
	}
}

func TestApply(t *testing.T) {
	t.Parallel()
	m, err := Quantizer{WeightBits: 8, ActBits: 8}.Quantize(testNet())
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if err := Apply(m, Allocation{Bits: map[string]int{"features.conv": 4, "output": 2}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if m.Layer("features.conv").Bits() != 4 || m.Layer("output").Bits() != 2 || m.Layer("block.body.conv2.conv").Bits() != 8 {
		t.Fatal("widths not applied")
	}
	if err := Apply(m, Allocation{Bits: map[string]int{"features.activ.quant": 4}}); err == nil {
		t.Fatal("expected error for activation layer")
	}
	if err := Apply(m, Allocation{Bits: map[string]int{"missing": 4}}); err == nil {
		t.Fatal("expected error for unknown layer")
	}
}
