package nn

import (
	"fmt"

	"github.com/samcharles93/zeroq/internal/tensor"
)

// Sequential runs its children in order.
type Sequential struct {
	children []Child
}

// NewSequential builds a Sequential from named children.
func NewSequential(children ...Child) *Sequential {
	s := &Sequential{}
	for _, c := range children {
		s.Add(c.Name, c.Module)
	}
	return s
}

// Add appends a named child. Names must be unique.
func (s *Sequential) Add(name string, m Module) *Sequential {
	for _, c := range s.children {
		if c.Name == name {
			panic(fmt.Sprintf("nn: duplicate child %q", name))
		}
	}
	s.children = append(s.children, Child{Name: name, Module: m})
	return s
}

func (s *Sequential) Len() int { return len(s.children) }

func (s *Sequential) Children() []Child {
	out := make([]Child, len(s.children))
	copy(out, s.children)
	return out
}

func (s *Sequential) SetChild(name string, m Module) bool {
	for i := range s.children {
		if s.children[i].Name == name {
			s.children[i].Module = m
			return true
		}
	}
	return false
}

func (s *Sequential) Forward(x *tensor.Tensor) *tensor.Tensor {
	for _, c := range s.children {
		x = c.Module.Forward(x)
	}
	return x
}

func (s *Sequential) Backward(grad *tensor.Tensor) *tensor.Tensor {
	for i := len(s.children) - 1; i >= 0; i-- {
		grad = s.children[i].Module.Backward(grad)
	}
	return grad
}

func (s *Sequential) String() string { return "Sequential" }

// Residual computes activ(body(x) + shortcut(x)). A nil Shortcut is the
// identity and a nil Activation is skipped. With Concat set the two paths are
// joined along the channel axis instead of summed.
//
// InlineBody lists the children of Body directly under the residual instead
// of under a "body" child; Body must then be a Parent. ShortcutName renames
// the shortcut child, which defaults to "identity_conv".
type Residual struct {
	Body         Module
	Shortcut     Module
	Activation   Module
	Concat       bool
	InlineBody   bool
	ShortcutName string

	bodyChannels int
}

const (
	residualBody     = "body"
	residualShortcut = "identity_conv"
	residualActiv    = "activ"
)

func (r *Residual) shortcutName() string {
	if r.ShortcutName != "" {
		return r.ShortcutName
	}
	return residualShortcut
}

func (r *Residual) Children() []Child {
	var out []Child
	if r.InlineBody {
		out = append(out, r.Body.(Parent).Children()...)
	} else {
		out = append(out, Child{Name: residualBody, Module: r.Body})
	}
	if r.Shortcut != nil {
		out = append(out, Child{Name: r.shortcutName(), Module: r.Shortcut})
	}
	if r.Activation != nil {
		out = append(out, Child{Name: residualActiv, Module: r.Activation})
	}
	return out
}

func (r *Residual) SetChild(name string, m Module) bool {
	switch {
	case name == r.shortcutName() && r.Shortcut != nil:
		r.Shortcut = m
	case name == residualActiv && r.Activation != nil:
		r.Activation = m
	case r.InlineBody:
		return r.Body.(Parent).SetChild(name, m)
	case name == residualBody:
		r.Body = m
	default:
		return false
	}
	return true
}

func (r *Residual) Forward(x *tensor.Tensor) *tensor.Tensor {
	y := r.Body.Forward(x)
	id := x
	if r.Shortcut != nil {
		id = r.Shortcut.Forward(x)
	}
	if r.Concat {
		r.bodyChannels = y.Dim(1)
		y = concatChannels(y, id)
	} else {
		if y == x {
			y = x.Clone()
		}
		y.Add(id)
	}
	if r.Activation != nil {
		y = r.Activation.Forward(y)
	}
	return y
}

func (r *Residual) Backward(grad *tensor.Tensor) *tensor.Tensor {
	if r.Activation != nil {
		grad = r.Activation.Backward(grad)
	}
	gBody, gID := grad, grad
	if r.Concat {
		parts := splitChannels(grad, []int{r.bodyChannels, grad.Dim(1) - r.bodyChannels})
		gBody, gID = parts[0], parts[1]
	}
	gx := r.Body.Backward(gBody)
	if gx == gBody {
		gx = gBody.Clone()
	}
	if r.Shortcut != nil {
		gx.Add(r.Shortcut.Backward(gID))
	} else {
		gx.Add(gID)
	}
	return gx
}

func (r *Residual) String() string { return "Residual" }

// Concurrent feeds the same input to every child and concatenates their
// outputs along the channel axis in child order.
type Concurrent struct {
	Sequential

	channels []int
}

// NewConcurrent builds a Concurrent from named branches.
func NewConcurrent(children ...Child) *Concurrent {
	c := &Concurrent{}
	for _, ch := range children {
		c.Add(ch.Name, ch.Module)
	}
	return c
}

func (c *Concurrent) Forward(x *tensor.Tensor) *tensor.Tensor {
	outs := make([]*tensor.Tensor, len(c.children))
	c.channels = c.channels[:0]
	for i, ch := range c.children {
		outs[i] = ch.Module.Forward(x)
		c.channels = append(c.channels, outs[i].Dim(1))
	}
	return concatChannels(outs...)
}

func (c *Concurrent) Backward(grad *tensor.Tensor) *tensor.Tensor {
	parts := splitChannels(grad, c.channels)
	var gx *tensor.Tensor
	for i, ch := range c.children {
		g := ch.Module.Backward(parts[i])
		if gx == nil {
			gx = g.Clone()
			continue
		}
		gx.Add(g)
	}
	return gx
}

func (c *Concurrent) String() string { return "Concurrent" }

// concatChannels joins NCHW tensors with equal N, H and W along C.
func concatChannels(ts ...*tensor.Tensor) *tensor.Tensor {
	n, _, h, w := ts[0].Dims4()
	total := 0
	for _, t := range ts {
		tn, c, th, tw := t.Dims4()
		if tn != n || th != h || tw != w {
			panic(fmt.Sprintf("nn: cannot concat %v with %v along channels", ts[0].Shape, t.Shape))
		}
		total += c
	}
	out := tensor.New(n, total, h, w)
	plane := h * w
	for b := 0; b < n; b++ {
		off := b * total * plane
		for _, t := range ts {
			c := t.Dim(1)
			off += copy(out.Data[off:], t.Data[b*c*plane:(b+1)*c*plane])
		}
	}
	return out
}

// splitChannels is the inverse of concatChannels for the given channel counts.
func splitChannels(t *tensor.Tensor, channels []int) []*tensor.Tensor {
	n, total, h, w := t.Dims4()
	plane := h * w
	outs := make([]*tensor.Tensor, len(channels))
	for i, c := range channels {
		outs[i] = tensor.New(n, c, h, w)
	}
	for b := 0; b < n; b++ {
		off := b * total * plane
		for i, c := range channels {
			off += copy(outs[i].Data[b*c*plane:(b+1)*c*plane], t.Data[off:off+c*plane])
		}
	}
	return outs
}

// ChannelShuffle interleaves the channels of Groups equal channel groups.
type ChannelShuffle struct {
	Groups int
}

func NewChannelShuffle(groups int) *ChannelShuffle { return &ChannelShuffle{Groups: groups} }

func (s *ChannelShuffle) permute(x *tensor.Tensor, inverse bool) *tensor.Tensor {
	n, c, h, w := x.Dims4()
	if c%s.Groups != 0 {
		panic(fmt.Sprintf("nn: %d channels not divisible by %d shuffle groups", c, s.Groups))
	}
	per := c / s.Groups
	plane := h * w
	out := tensor.New(x.Shape...)
	for b := 0; b < n; b++ {
		base := b * c * plane
		for g := 0; g < s.Groups; g++ {
			for j := 0; j < per; j++ {
				src, dst := g*per+j, j*s.Groups+g
				if inverse {
					src, dst = dst, src
				}
				copy(out.Data[base+dst*plane:base+(dst+1)*plane], x.Data[base+src*plane:base+(src+1)*plane])
			}
		}
	}
	return out
}

func (s *ChannelShuffle) Forward(x *tensor.Tensor) *tensor.Tensor {
	return s.permute(x, false)
}

func (s *ChannelShuffle) Backward(grad *tensor.Tensor) *tensor.Tensor {
	return s.permute(grad, true)
}

func (s *ChannelShuffle) String() string {
	return fmt.Sprintf("ChannelShuffle(groups=%d)", s.Groups)
}
