package zoo

import (
	"fmt"

	"github.com/samcharles93/zeroq/internal/nn"
)

var mobileNetV2Stages = [][]int{
	{16},
	{24, 24},
	{32, 32, 32},
	{64, 64, 64, 64, 96, 96, 96},
	{160, 160, 160, 320},
}

// linearBottleneck is the MobileNetV2 inverted residual: 1x1 expand, 3x3
// depthwise, 1x1 linear projection. The sum has no activation, and the
// convolutions sit directly under the unit as in LinearBottleneck.
func linearBottleneck(in, out, stride int, expand bool) nn.Module {
	mid := in
	if expand {
		mid = in * 6
	}
	body := nn.NewSequential(
		nn.Child{Name: "conv1", Module: convBlock(in, mid, 1, 1, 0, 1, nn.NewReLU6())},
		nn.Child{Name: "conv2", Module: convBlock(mid, mid, 3, stride, 1, mid, nn.NewReLU6())},
		nn.Child{Name: "conv3", Module: convBlock(mid, out, 1, 1, 0, 1, nil)},
	)
	if in == out && stride == 1 {
		return &nn.Residual{Body: body, InlineBody: true}
	}
	return body
}

func mobileNetV2(s Spec) nn.Module {
	features := nn.NewSequential()
	features.Add("init_block", convBlock(3, 32, 3, 2, 1, 1, nn.NewReLU6()))
	in := 32
	for i, widths := range mobileNetV2Stages {
		stage := nn.NewSequential()
		for j, w := range widths {
			stride := 1
			if j == 0 && i != 0 {
				stride = 2
			}
			stage.Add(fmt.Sprintf("unit%d", j+1), linearBottleneck(in, w, stride, i != 0 || j != 0))
			in = w
		}
		features.Add(fmt.Sprintf("stage%d", i+1), stage)
	}
	features.Add("final_block", convBlock(in, 1280, 1, 1, 0, 1, nn.NewReLU6()))
	features.Add("final_pool", nn.NewAvgPool2d(s.InputSize/32, 1))

	return nn.NewSequential(
		nn.Child{Name: "features", Module: features},
		nn.Child{Name: "output", Module: nn.NewConv2d(1280, s.NumClasses, 1, 1, 0, 1, false)},
		nn.Child{Name: "flatten", Module: &nn.Flatten{}},
	)
}
