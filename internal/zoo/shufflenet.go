package zoo

import (
	"fmt"

	"github.com/samcharles93/zeroq/internal/nn"
)

// shuffleUnit is the ShuffleNet unit: grouped 1x1 compress, channel shuffle,
// 3x3 depthwise, grouped 1x1 expand. A downsampling unit halves the
// resolution and concatenates an average-pooled shortcut, so its body only
// produces out-in channels.
func shuffleUnit(in, out, groups int, downsample, ignoreGroup bool) *nn.Residual {
	mid := out / 4
	stride := 1
	if downsample {
		out -= in
		stride = 2
	}
	compressGroups := groups
	if ignoreGroup {
		compressGroups = 1
	}
	body := nn.NewSequential(
		nn.Child{Name: "compress_conv1", Module: nn.NewConv2d(in, mid, 1, 1, 0, compressGroups, false)},
		nn.Child{Name: "compress_bn1", Module: nn.NewBatchNorm2d(mid)},
		nn.Child{Name: "compress_activ", Module: nn.NewReLU()},
		nn.Child{Name: "c_shuffle", Module: nn.NewChannelShuffle(groups)},
		nn.Child{Name: "dw_conv2", Module: nn.NewConv2d(mid, mid, 3, stride, 1, mid, false)},
		nn.Child{Name: "dw_bn2", Module: nn.NewBatchNorm2d(mid)},
		nn.Child{Name: "expand_conv3", Module: nn.NewConv2d(mid, out, 1, 1, 0, groups, false)},
		nn.Child{Name: "expand_bn3", Module: nn.NewBatchNorm2d(out)},
	)
	u := &nn.Residual{Body: body, Activation: nn.NewReLU(), InlineBody: true}
	if downsample {
		u.Shortcut = nn.NewPaddedAvgPool2d(3, 2, 1)
		u.ShortcutName = "avgpool"
		u.Concat = true
	}
	return u
}

func shuffleNet(s Spec, groups int, widths, layers []int) nn.Module {
	const initChannels = 24
	features := nn.NewSequential()
	features.Add("init_block", nn.NewSequential(
		nn.Child{Name: "conv", Module: nn.NewConv2d(3, initChannels, 3, 2, 1, 1, false)},
		nn.Child{Name: "bn", Module: nn.NewBatchNorm2d(initChannels)},
		nn.Child{Name: "activ", Module: nn.NewReLU()},
		nn.Child{Name: "pool", Module: nn.NewMaxPool2d(3, 2, 1)},
	))
	in := initChannels
	for i, w := range widths {
		stage := nn.NewSequential()
		for j := 0; j < layers[i]; j++ {
			stage.Add(fmt.Sprintf("unit%d", j+1), shuffleUnit(in, w, groups, j == 0, i == 0 && j == 0))
			in = w
		}
		features.Add(fmt.Sprintf("stage%d", i+1), stage)
	}
	features.Add("final_pool", nn.NewAvgPool2d(s.InputSize/32, 1))
	return classifier(features, in, s.NumClasses)
}
