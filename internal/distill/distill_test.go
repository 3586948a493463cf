package distill

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/samcharles93/zeroq/internal/nn"
	"github.com/samcharles93/zeroq/internal/tensor"
)

func randomTensor(seed int64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	tensor.FillNormal(t, rand.New(rand.NewSource(seed)), 0, 1)
	return t
}

// smallNet is conv → bn → conv(stride 2) → bn → relu → pool → linear with
// BatchNorm statistics far from what N(0,1) input produces.
func smallNet(relu bool) nn.Module {
	rng := rand.New(rand.NewSource(11))
	c1 := nn.NewConv2d(3, 4, 3, 1, 1, 1, false)
	c2 := nn.NewConv2d(4, 6, 3, 2, 1, 1, true)
	tensor.FillNormal(c1.Weight, rng, 0, 0.3)
	tensor.FillNormal(c2.Weight, rng, 0, 0.3)
	bn1 := nn.NewBatchNorm2d(4)
	bn2 := nn.NewBatchNorm2d(6)
	tensor.FillNormal(bn1.RunningMean, rng, 0.5, 0.2)
	tensor.FillUniform(bn1.RunningVar, rng, 1.5, 3)
	tensor.FillNormal(bn2.RunningMean, rng, -0.3, 0.2)
	tensor.FillUniform(bn2.RunningVar, rng, 0.2, 0.5)
	tensor.FillUniform(bn2.Weight, rng, 0.5, 1.5)

	children := []nn.Child{
		{Name: "conv1", Module: c1},
		{Name: "bn1", Module: bn1},
		{Name: "conv2", Module: c2},
		{Name: "bn2", Module: bn2},
	}
	if relu {
		children = append(children, nn.Child{Name: "activ", Module: nn.NewReLU()})
	}
	lin := nn.NewLinear(6, 3, true)
	tensor.FillNormal(lin.Weight, rng, 0, 0.5)
	children = append(children,
		nn.Child{Name: "pool", Module: &nn.GlobalAvgPool2d{}},
		nn.Child{Name: "flatten", Module: &nn.Flatten{}},
		nn.Child{Name: "output", Module: lin},
	)
	return nn.NewSequential(children...)
}

func TestStatLossValues(t *testing.T) {
	t.Parallel()
	// One sample, one channel, values 1..4: mean 2.5, unbiased var 5/3.
	x := tensor.FromData([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	loss, _ := statLoss(x, []float64{0.5}, []float64{1}, 0)
	want := 4.0 + math.Pow(math.Sqrt(5.0/3)-1, 2)
	if math.Abs(loss-want) > 1e-9 {
		t.Fatalf("loss=%v want %v", loss, want)
	}
}

func TestStatLossGradient(t *testing.T) {
	t.Parallel()
	x := randomTensor(3, 2, 3, 3, 4)
	mean := []float64{0.2, -0.4, 1}
	std := []float64{0.5, 2, 1.2}
	_, grad := statLoss(x, mean, std, 1e-6)

	const eps = 1e-2
	for i := 0; i < x.Len(); i += 5 {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		lp, _ := statLoss(x, mean, std, 1e-6)
		x.Data[i] = orig - eps
		lm, _ := statLoss(x, mean, std, 1e-6)
		x.Data[i] = orig
		num := (lp - lm) / (2 * eps)
		if got := float64(grad.Data[i]); math.Abs(num-got) > 1e-2*(1+math.Abs(num)) {
			t.Fatalf("grad[%d]=%.5f, finite difference %.5f", i, got, num)
		}
	}
}

func TestNetworkGradientMatchesFiniteDifference(t *testing.T) {
	t.Parallel()
	net := smallNet(false)
	hooks, restore := attachHooks(net, 1e-6)
	defer restore()
	if len(hooks) != 2 {
		t.Fatalf("attached %d hooks, want 2", len(hooks))
	}

	x := randomTensor(5, 2, 3, 6, 6)
	_, grad := lossAndGrad(net, hooks, x, 1e-6)
	loss := func() float64 {
		l, _, _ := forward(net, hooks, x, 1e-6)
		return l
	}
	const eps = 1e-2
	for i := 0; i < x.Len(); i += 7 {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		lp := loss()
		x.Data[i] = orig - eps
		lm := loss()
		x.Data[i] = orig
		num := (lp - lm) / (2 * eps)
		if got := float64(grad.Data[i]); math.Abs(num-got) > 2e-2*(1+math.Abs(num)) {
			t.Fatalf("grad[%d]=%.5f, finite difference %.5f", i, got, num)
		}
	}
}

func TestRefineLowersLossAndRestoresHooks(t *testing.T) {
	t.Parallel()
	net := smallNet(true)
	cfg := DefaultConfig()
	cfg.Iterations = 100
	cfg.LearningRate = 0.05

	x := randomTensor(9, 4, 3, 8, 8)
	before, err := Loss(net, x, cfg.Eps)
	if err != nil {
		t.Fatalf("Loss: %v", err)
	}
	st, err := Refine(context.Background(), net, x, cfg)
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if math.Abs(st.InitialLoss-before) > 1e-9 {
		t.Fatalf("initial loss %v, Loss reported %v", st.InitialLoss, before)
	}
	if st.FinalLoss >= st.InitialLoss*0.9 {
		t.Fatalf("loss did not drop enough: %v -> %v", st.InitialLoss, st.FinalLoss)
	}
	if st.Iterations != 100 {
		t.Fatalf("ran %d iterations", st.Iterations)
	}
	_ = nn.Walk(net, func(path string, m nn.Module) error {
		if bn, ok := m.(*nn.BatchNorm2d); ok && bn.Hook != nil {
			t.Errorf("%s still has a hook", path)
		}
		return nil
	})
}

func TestGenerateShapesAndDeterminism(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.NumBatches = 2
	cfg.BatchSize = 3
	cfg.InputSize = 8
	cfg.Iterations = 3
	cfg.Seed = 21

	a, err := Generate(context.Background(), smallNet(true), cfg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate(context.Background(), smallNet(true), cfg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.Len() != 2 {
		t.Fatalf("Len=%d want 2", a.Len())
	}
	for i := 0; i < a.Len(); i++ {
		ba, _ := a.Batch(context.Background(), i)
		bb, _ := b.Batch(context.Background(), i)
		if n, c, h, w := ba.Images.Dims4(); n != 3 || c != 3 || h != 8 || w != 8 {
			t.Fatalf("batch %d shape %v", i, ba.Images.Shape)
		}
		if ba.Labels != nil {
			t.Fatal("distilled batches must be unlabeled")
		}
		if d := tensor.MaxAbsDiff(ba.Images.Data, bb.Images.Data); d != 0 {
			t.Fatalf("batch %d differs between runs by %g", i, d)
		}
	}
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.InputSize = 8
	if _, err := Generate(ctx, smallNet(true), cfg); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	plain := nn.NewSequential(nn.Child{Name: "conv", Module: nn.NewConv2d(3, 2, 1, 1, 0, 1, false)})
	if _, err := Generate(context.Background(), plain, cfg); !errors.Is(err, ErrNoBatchNorm) {
		t.Fatalf("expected ErrNoBatchNorm, got %v", err)
	}

	cfg.BatchSize = 0
	if _, err := Generate(context.Background(), smallNet(true), cfg); err == nil {
		t.Fatal("expected error for zero batch size")
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	t.Parallel()
	x := []float32{1, 1, 1}
	opt := newAdam(3, 0.1)
	opt.update(x, []float32{2, -3, 0})
	want := []float32{0.9, 1.1, 1}
	for i := range x {
		if math.Abs(float64(x[i]-want[i])) > 1e-6 {
			t.Fatalf("x=%v want %v", x, want)
		}
	}
}

func TestPlateauReducesAfterPatience(t *testing.T) {
	t.Parallel()
	p := newPlateau(0.1, 2, 1e-4, 1e-3)
	lr := 0.5
	steps := []struct {
		loss float64
		want float64
	}{
		{1.0, 0.5},
		{1.0, 0.5},
		{0.99995, 0.5}, // below the relative threshold, still a bad step
		{1.0, 0.05},
		{0.5, 0.05},
		{0.6, 0.05},
		{0.6, 0.05},
		{0.6, 0.005},
		{0.6, 0.005},
		{0.6, 0.005},
		{0.6, 0.001},
		{0.6, 0.001},
		{0.6, 0.001},
		{0.6, 0.001},
	}
	for i, s := range steps {
		lr = p.step(s.loss, lr)
		if math.Abs(lr-s.want) > 1e-12 {
			t.Fatalf("step %d: lr=%v want %v", i, lr, s.want)
		}
	}
}
