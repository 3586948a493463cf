package zoo

import (
	"fmt"

	"github.com/samcharles93/zeroq/internal/nn"
	"github.com/samcharles93/zeroq/internal/tensor"
)

const inceptionBNEps = 1e-3

// kconv describes one conv of an Inception branch. Kernels and padding are
// given as (height, width).
type kconv struct {
	out            int
	kh, kw, stride int
	ph, pw         int
}

func k1(out int) kconv {
	return kconv{out: out, kh: 1, kw: 1, stride: 1}
}

func k3(out, stride, pad int) kconv {
	return kconv{out: out, kh: 3, kw: 3, stride: stride, ph: pad, pw: pad}
}

// inceptConv is conv → bn(eps 1e-3) → ReLU.
func inceptConv(in int, c kconv) *nn.Sequential {
	bn := nn.NewBatchNorm2d(c.out)
	bn.Eps = inceptionBNEps
	return nn.NewSequential(
		nn.Child{Name: "conv", Module: nn.NewConv2dRect(in, c.out, c.kh, c.kw, c.stride, c.ph, c.pw, 1, false)},
		nn.Child{Name: "bn", Module: bn},
		nn.Child{Name: "activ", Module: nn.NewReLU()},
	)
}

// convList chains convs named conv1, conv2, ... and returns the list and
// its output channels.
func convList(in int, convs []kconv) (*nn.Sequential, int) {
	s := nn.NewSequential()
	for i, c := range convs {
		s.Add(fmt.Sprintf("conv%d", i+1), inceptConv(in, c))
		in = c.out
	}
	return s, in
}

func conv1x1Branch(in, out int) nn.Module {
	return nn.NewSequential(nn.Child{Name: "conv", Module: inceptConv(in, k1(out))})
}

func convSeqBranch(in int, convs ...kconv) nn.Module {
	list, _ := convList(in, convs)
	return nn.NewSequential(nn.Child{Name: "conv_list", Module: list})
}

func avgPoolBranch(in, out int) nn.Module {
	return nn.NewSequential(
		nn.Child{Name: "pool", Module: nn.NewPaddedAvgPool2d(3, 1, 1)},
		nn.Child{Name: "conv", Module: inceptConv(in, k1(out))},
	)
}

func maxPoolBranch() nn.Module {
	return nn.NewSequential(nn.Child{Name: "pool", Module: nn.NewMaxPool2d(3, 2, 0)})
}

// seq3x3Branch runs a conv list and then splits into parallel 1x3 and 3x1
// convs whose outputs are concatenated.
type seq3x3Branch struct {
	list  *nn.Sequential
	split *nn.Concurrent
}

func newSeq3x3Branch(in int, convs ...kconv) *seq3x3Branch {
	list, mid := convList(in, convs)
	return &seq3x3Branch{
		list: list,
		split: nn.NewConcurrent(
			nn.Child{Name: "conv1x3", Module: inceptConv(mid, kconv{out: mid, kh: 1, kw: 3, stride: 1, pw: 1})},
			nn.Child{Name: "conv3x1", Module: inceptConv(mid, kconv{out: mid, kh: 3, kw: 1, stride: 1, ph: 1})},
		),
	}
}

func (b *seq3x3Branch) Children() []nn.Child {
	return append([]nn.Child{{Name: "conv_list", Module: b.list}}, b.split.Children()...)
}

func (b *seq3x3Branch) SetChild(name string, m nn.Module) bool {
	if name == "conv_list" {
		list, ok := m.(*nn.Sequential)
		if ok {
			b.list = list
		}
		return ok
	}
	return b.split.SetChild(name, m)
}

func (b *seq3x3Branch) Forward(x *tensor.Tensor) *tensor.Tensor {
	return b.split.Forward(b.list.Forward(x))
}

func (b *seq3x3Branch) Backward(grad *tensor.Tensor) *tensor.Tensor {
	return b.list.Backward(b.split.Backward(grad))
}

func (b *seq3x3Branch) String() string { return "ConvSeq3x3Branch" }

// inceptUnit wraps branches the way every Inception unit does, so parameter
// names read unitN.branches.branchM.
func inceptUnit(branches ...nn.Module) nn.Module {
	c := nn.NewConcurrent()
	for i, b := range branches {
		c.Add(fmt.Sprintf("branch%d", i+1), b)
	}
	return nn.NewSequential(nn.Child{Name: "branches", Module: c})
}

func inceptionAUnit(in, out int) nn.Module {
	return inceptUnit(
		conv1x1Branch(in, 64),
		convSeqBranch(in, k1(48), kconv{out: 64, kh: 5, kw: 5, stride: 1, ph: 2, pw: 2}),
		convSeqBranch(in, k1(64), k3(96, 1, 1), k3(96, 1, 1)),
		avgPoolBranch(in, out-224),
	)
}

func reductionAUnit(in int) nn.Module {
	return inceptUnit(
		convSeqBranch(in, k3(384, 2, 0)),
		convSeqBranch(in, k1(64), k3(96, 1, 1), k3(96, 2, 0)),
		maxPoolBranch(),
	)
}

func inceptionBUnit(in, mid int) nn.Module {
	k17 := func(out int) kconv { return kconv{out: out, kh: 1, kw: 7, stride: 1, pw: 3} }
	k71 := func(out int) kconv { return kconv{out: out, kh: 7, kw: 1, stride: 1, ph: 3} }
	return inceptUnit(
		conv1x1Branch(in, 192),
		convSeqBranch(in, k1(mid), k17(mid), k71(192)),
		convSeqBranch(in, k1(mid), k71(mid), k17(mid), k71(mid), k17(192)),
		avgPoolBranch(in, 192),
	)
}

func reductionBUnit(in int) nn.Module {
	return inceptUnit(
		convSeqBranch(in, k1(192), k3(320, 2, 0)),
		convSeqBranch(in, k1(192),
			kconv{out: 192, kh: 1, kw: 7, stride: 1, pw: 3},
			kconv{out: 192, kh: 7, kw: 1, stride: 1, ph: 3},
			k3(192, 2, 0)),
		maxPoolBranch(),
	)
}

func inceptionCUnit(in int) nn.Module {
	return inceptUnit(
		conv1x1Branch(in, 320),
		newSeq3x3Branch(in, k1(384)),
		newSeq3x3Branch(in, k1(448), k3(384, 1, 1)),
		avgPoolBranch(in, 192),
	)
}

// inceptionV3 has three stages of Inception units, each after the first
// opened by a reduction unit. The final pool is global so reduced input
// sizes still classify.
func inceptionV3(s Spec) nn.Module {
	features := nn.NewSequential()
	features.Add("init_block", nn.NewSequential(
		nn.Child{Name: "conv1", Module: inceptConv(3, k3(32, 2, 0))},
		nn.Child{Name: "conv2", Module: inceptConv(32, k3(32, 1, 0))},
		nn.Child{Name: "conv3", Module: inceptConv(32, k3(64, 1, 1))},
		nn.Child{Name: "pool1", Module: nn.NewMaxPool2d(3, 2, 0)},
		nn.Child{Name: "conv4", Module: inceptConv(64, k1(80))},
		nn.Child{Name: "conv5", Module: inceptConv(80, k3(192, 1, 0))},
		nn.Child{Name: "pool2", Module: nn.NewMaxPool2d(3, 2, 0)},
	))

	stage1 := nn.NewSequential()
	in := 192
	for j, out := range []int{256, 288, 288} {
		stage1.Add(fmt.Sprintf("unit%d", j+1), inceptionAUnit(in, out))
		in = out
	}
	features.Add("stage1", stage1)

	stage2 := nn.NewSequential()
	stage2.Add("unit1", reductionAUnit(in))
	for j, mid := range []int{128, 160, 160, 192} {
		stage2.Add(fmt.Sprintf("unit%d", j+2), inceptionBUnit(768, mid))
	}
	features.Add("stage2", stage2)

	stage3 := nn.NewSequential()
	stage3.Add("unit1", reductionBUnit(768))
	stage3.Add("unit2", inceptionCUnit(1280))
	stage3.Add("unit3", inceptionCUnit(2048))
	features.Add("stage3", stage3)
	features.Add("final_pool", &nn.GlobalAvgPool2d{})

	return nn.NewSequential(
		nn.Child{Name: "features", Module: features},
		nn.Child{Name: "flatten", Module: &nn.Flatten{}},
		nn.Child{Name: "output", Module: nn.NewSequential(
			nn.Child{Name: "fc", Module: nn.NewLinear(2048, s.NumClasses, true)},
		)},
	)
}
