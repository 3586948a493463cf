package zoo

import (
	"fmt"

	"github.com/samcharles93/zeroq/internal/nn"
)

// resUnit is a residual unit with either a basic (two 3x3) or a bottleneck
// (1x1, 3x3, 1x1) body. A projection shortcut is added when the shape
// changes. conv1Stride moves a bottleneck's stride from the 3x3 onto the
// first 1x1, the layout of the original ResNet-50 checkpoints.
func resUnit(in, out, stride int, bottleneck, conv1Stride bool) *nn.Residual {
	var body *nn.Sequential
	if bottleneck {
		mid := out / 4
		s1, s2 := 1, stride
		if conv1Stride {
			s1, s2 = stride, 1
		}
		body = nn.NewSequential(
			nn.Child{Name: "conv1", Module: convBlock(in, mid, 1, s1, 0, 1, nn.NewReLU())},
			nn.Child{Name: "conv2", Module: convBlock(mid, mid, 3, s2, 1, 1, nn.NewReLU())},
			nn.Child{Name: "conv3", Module: convBlock(mid, out, 1, 1, 0, 1, nil)},
		)
	} else {
		body = nn.NewSequential(
			nn.Child{Name: "conv1", Module: convBlock(in, out, 3, stride, 1, 1, nn.NewReLU())},
			nn.Child{Name: "conv2", Module: convBlock(out, out, 3, 1, 1, 1, nil)},
		)
	}
	u := &nn.Residual{Body: body, Activation: nn.NewReLU()}
	if in != out || stride != 1 {
		u.Shortcut = convBlock(in, out, 1, stride, 0, 1, nil)
	}
	return u
}

func addStages(features *nn.Sequential, in int, widths []int, layers []int, bottleneck, conv1Stride bool) int {
	for i, w := range widths {
		stage := nn.NewSequential()
		for j := 0; j < layers[i]; j++ {
			stride := 1
			if j == 0 && i != 0 {
				stride = 2
			}
			stage.Add(fmt.Sprintf("unit%d", j+1), resUnit(in, w, stride, bottleneck, conv1Stride))
			in = w
		}
		features.Add(fmt.Sprintf("stage%d", i+1), stage)
	}
	return in
}

func classifier(features *nn.Sequential, in, classes int) *nn.Sequential {
	return nn.NewSequential(
		nn.Child{Name: "features", Module: features},
		nn.Child{Name: "flatten", Module: &nn.Flatten{}},
		nn.Child{Name: "output", Module: nn.NewLinear(in, classes, true)},
	)
}

// cifarResNet is the 6n+2 CIFAR ResNet with n units per stage.
func cifarResNet(s Spec, widths []int, units int) nn.Module {
	features := nn.NewSequential()
	features.Add("init_block", convBlock(3, widths[0], 3, 1, 1, 1, nn.NewReLU()))
	layers := make([]int, len(widths))
	for i := range layers {
		layers[i] = units
	}
	out := addStages(features, widths[0], widths, layers, false, false)
	features.Add("final_pool", nn.NewAvgPool2d(s.InputSize/4, 1))
	return classifier(features, out, s.NumClasses)
}

func imagenetResNet(s Spec, layers []int, bottleneck, conv1Stride bool) nn.Module {
	widths := []int{64, 128, 256, 512}
	if bottleneck {
		widths = []int{256, 512, 1024, 2048}
	}
	features := nn.NewSequential()
	features.Add("init_block", nn.NewSequential(
		nn.Child{Name: "conv", Module: convBlock(3, 64, 7, 2, 3, 1, nn.NewReLU())},
		nn.Child{Name: "pool", Module: nn.NewMaxPool2d(3, 2, 1)},
	))
	out := addStages(features, 64, widths, layers, bottleneck, conv1Stride)
	features.Add("final_pool", nn.NewAvgPool2d(s.InputSize/32, 1))
	return classifier(features, out, s.NumClasses)
}
