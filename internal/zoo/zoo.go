// Package zoo builds the pretrained image classifiers that experiments
// quantize, using the parameter layout of pytorchcv checkpoints.
package zoo

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samcharles93/zeroq/internal/data"
	"github.com/samcharles93/zeroq/internal/nn"
)

var (
	// ErrUnknownModel is returned for names missing from the registry.
	ErrUnknownModel = errors.New("unknown model")
	// ErrNoWeights is returned when no weights file is found and random
	// initialisation was not requested.
	ErrNoWeights = errors.New("no weights available")
)

// Spec describes one architecture in the zoo.
type Spec struct {
	Name       string
	Dataset    string
	NumClasses int
	InputSize  int

	build func(s Spec) nn.Module
}

// Build constructs a zero-initialised network for the spec.
func (s Spec) Build() nn.Module {
	return s.build(s)
}

// Model is a built network together with its spec.
type Model struct {
	Spec Spec
	Net  nn.Module
	// Source records where the weights came from: a file path or "random".
	Source string
}

var registry = map[string]Spec{
	"resnet20_cifar10": {
		Name: "resnet20_cifar10", Dataset: data.CIFAR10, NumClasses: 10, InputSize: 32,
		build: func(s Spec) nn.Module { return cifarResNet(s, []int{16, 32, 64}, 3) },
	},
	"resnet18": {
		Name: "resnet18", Dataset: data.ImageNet, NumClasses: 1000, InputSize: 224,
		build: func(s Spec) nn.Module { return imagenetResNet(s, []int{2, 2, 2, 2}, false, false) },
	},
	"resnet50": {
		Name: "resnet50", Dataset: data.ImageNet, NumClasses: 1000, InputSize: 224,
		build: func(s Spec) nn.Module { return imagenetResNet(s, []int{3, 4, 6, 3}, true, true) },
	},
	"mobilenetv2_w1": {
		Name: "mobilenetv2_w1", Dataset: data.ImageNet, NumClasses: 1000, InputSize: 224,
		build: mobileNetV2,
	},
	"shufflenet_g1_w1": {
		Name: "shufflenet_g1_w1", Dataset: data.ImageNet, NumClasses: 1000, InputSize: 224,
		build: func(s Spec) nn.Module { return shuffleNet(s, 1, []int{144, 288, 576}, []int{4, 8, 4}) },
	},
	"inceptionv3": {
		Name: "inceptionv3", Dataset: data.ImageNet, NumClasses: 1000, InputSize: 299,
		build: inceptionV3,
	},
}

// Lookup returns the spec registered under name.
func Lookup(name string) (Spec, error) {
	s, ok := registry[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w %q (available: %s)", ErrUnknownModel, name, strings.Join(Names(), ", "))
	}
	return s, nil
}

// Names returns the registered model names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// convBlock is conv → bn → optional activation, named like pytorchcv's
// ConvBlock so checkpoint keys line up.
func convBlock(in, out, kernel, stride, pad, groups int, activ nn.Module) *nn.Sequential {
	s := nn.NewSequential(
		nn.Child{Name: "conv", Module: nn.NewConv2d(in, out, kernel, stride, pad, groups, false)},
		nn.Child{Name: "bn", Module: nn.NewBatchNorm2d(out)},
	)
	if activ != nil {
		s.Add("activ", activ)
	}
	return s
}
