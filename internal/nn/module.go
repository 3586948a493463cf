// Package nn implements the inference-mode layers of convolutional image
// classifiers together with input-gradient backpropagation.
//
// Backward only produces the gradient with respect to the layer input. The
// weights are never trained here; the only optimised quantity is the network
// input during data distillation.
package nn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/zeroq/internal/tensor"
)

// Module is a node in a network. Backward must be called after Forward on the
// same module; it relies on activations cached by the last Forward call.
// Modules are not safe for concurrent use.
type Module interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
	Backward(grad *tensor.Tensor) *tensor.Tensor
	String() string
}

// Child is a named sub-module.
type Child struct {
	Name   string
	Module Module
}

// Parent is a module that owns named children which can be replaced.
type Parent interface {
	Module
	Children() []Child
	SetChild(name string, m Module) bool
}

// Param is a named tensor that is loaded from a weights file.
type Param struct {
	Name   string
	Tensor *tensor.Tensor
}

// Parameterized modules expose their own tensors under local names such as
// "weight" or "running_mean".
type Parameterized interface {
	Params() []Param
}

// InputHook observes the input of a layer during Forward and may contribute
// an extra gradient for that input during Backward.
type InputHook interface {
	Observe(x *tensor.Tensor)
	// Grad returns the extra input gradient, or nil.
	Grad() *tensor.Tensor
}

// Walk visits root and all descendants depth-first in forward order. Paths
// are dotted child names; the root has the empty path.
func Walk(root Module, fn func(path string, m Module) error) error {
	return walk("", root, fn)
}

func walk(path string, m Module, fn func(string, Module) error) error {
	if err := fn(path, m); err != nil {
		return err
	}
	p, ok := m.(Parent)
	if !ok {
		return nil
	}
	for _, c := range p.Children() {
		if err := walk(joinPath(path, c.Name), c.Module, fn); err != nil {
			return err
		}
	}
	return nil
}

// Transform rewrites the tree below root in place. fn is called for every
// child; when it returns ok the child is replaced and not descended into.
// The root itself is never replaced.
func Transform(root Module, fn func(path string, m Module) (Module, bool)) {
	transform("", root, fn)
}

func transform(path string, m Module, fn func(string, Module) (Module, bool)) {
	p, ok := m.(Parent)
	if !ok {
		return
	}
	for _, c := range p.Children() {
		childPath := joinPath(path, c.Name)
		if repl, ok := fn(childPath, c.Module); ok {
			p.SetChild(c.Name, repl)
			continue
		}
		transform(childPath, c.Module, fn)
	}
}

// Parameters returns every parameter below root with its full dotted name.
func Parameters(root Module) []Param {
	var out []Param
	_ = Walk(root, func(path string, m Module) error {
		pm, ok := m.(Parameterized)
		if !ok {
			return nil
		}
		for _, p := range pm.Params() {
			out = append(out, Param{Name: joinPath(path, p.Name), Tensor: p.Tensor})
		}
		return nil
	})
	return out
}

// Find returns the module at the dotted path, or nil.
func Find(root Module, path string) Module {
	var found Module
	_ = Walk(root, func(p string, m Module) error {
		if p == path {
			found = m
			return errStop
		}
		return nil
	})
	return found
}

var errStop = errors.New("stop")

// Summary renders the module tree, one module per line.
func Summary(root Module) string {
	var b strings.Builder
	_ = Walk(root, func(path string, m Module) error {
		depth := 0
		name := "(root)"
		if path != "" {
			depth = strings.Count(path, ".") + 1
			name = path[strings.LastIndexByte(path, '.')+1:]
		}
		fmt.Fprintf(&b, "%s%s: %s\n", strings.Repeat("  ", depth), name, m.String())
		return nil
	})
	return b.String()
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
