// Package autograd implements a reverse-mode gradient tape over tensor.Tensor.
//
// Recording is scoped: Record hands a fresh Tape to a callback and releases
// it when the callback returns, whether or not it failed. Only operations
// with at least one input that requires a gradient are recorded, so constant
// weights never grow the graph. Gradients are used for attribution only;
// nothing in this package mutates operand values.
package autograd

import (
	"errors"
	"fmt"

	"github.com/Brownie44l1/retina-api/internal/tensor"
)

var (
	// ErrNotConnected is returned when the target does not depend on the
	// variable a gradient was requested for.
	ErrNotConnected = errors.New("autograd: target is not connected to variable")
	// ErrReleased is returned when a tape is used after its scope ended.
	ErrReleased = errors.New("autograd: tape already released")
)

// Var is a value tracked by a tape.
type Var struct {
	Value        *tensor.Tensor
	id           int
	requiresGrad bool
	tape         *Tape
}

// RequiresGrad reports whether gradients can flow into v.
func (v *Var) RequiresGrad() bool { return v.requiresGrad }

// backwardFunc maps the gradient of an op's output to gradients of its
// inputs. Entries for inputs that do not require a gradient may be nil.
type backwardFunc func(gradOut *tensor.Tensor) []*tensor.Tensor

type node struct {
	out      *Var
	inputs   []*Var
	backward backwardFunc
}

// Tape records operations between Record's entry and exit.
type Tape struct {
	nodes    []*node
	nextID   int
	released bool
}

// Record runs fn with a fresh tape and releases it afterwards.
func Record(fn func(t *Tape) error) error {
	t := &Tape{}
	defer t.release()
	return fn(t)
}

func (t *Tape) release() {
	t.nodes = nil
	t.released = true
}

// Len is the number of recorded operations.
func (t *Tape) Len() int { return len(t.nodes) }

func (t *Tape) newVar(value *tensor.Tensor, requiresGrad bool) *Var {
	t.nextID++
	return &Var{Value: value, id: t.nextID, requiresGrad: requiresGrad, tape: t}
}

// Watch marks value as a leaf whose gradient may be requested.
func (t *Tape) Watch(value *tensor.Tensor) *Var {
	return t.newVar(value, true)
}

// Constant wraps value without gradient tracking.
func (t *Tape) Constant(value *tensor.Tensor) *Var {
	return t.newVar(value, false)
}

// record appends an op if any input requires a gradient. The returned Var
// always holds out.
func (t *Tape) record(out *tensor.Tensor, backward backwardFunc, inputs ...*Var) (*Var, error) {
	if t.released {
		return nil, ErrReleased
	}
	requires := false
	for _, in := range inputs {
		if in.tape != t {
			return nil, fmt.Errorf("autograd: variable belongs to a different tape")
		}
		requires = requires || in.requiresGrad
	}
	v := t.newVar(out, requires)
	if requires {
		t.nodes = append(t.nodes, &node{out: v, inputs: inputs, backward: backward})
	}
	return v, nil
}

// Gradient returns d(target)/d(wrt). target must hold a single element.
func (t *Tape) Gradient(target, wrt *Var) (*tensor.Tensor, error) {
	if t.released {
		return nil, ErrReleased
	}
	if target.tape != t || wrt.tape != t {
		return nil, fmt.Errorf("autograd: variable belongs to a different tape")
	}
	if target.Value.Len() != 1 {
		return nil, fmt.Errorf("autograd: gradient target must be a scalar, got shape %v", target.Value.Shape)
	}
	if !wrt.requiresGrad || !target.requiresGrad {
		return nil, ErrNotConnected
	}

	grads := map[int]*tensor.Tensor{target.id: tensor.Full(1, target.Value.Shape...)}
	for i := len(t.nodes) - 1; i >= 0; i-- {
		n := t.nodes[i]
		gOut, ok := grads[n.out.id]
		if !ok {
			continue
		}
		gIns := n.backward(gOut)
		for j, in := range n.inputs {
			if !in.requiresGrad || j >= len(gIns) || gIns[j] == nil {
				continue
			}
			accumulate(grads, in, gIns[j])
		}
	}

	g, ok := grads[wrt.id]
	if !ok {
		return nil, ErrNotConnected
	}
	return g, nil
}

func accumulate(grads map[int]*tensor.Tensor, v *Var, g *tensor.Tensor) {
	prev, ok := grads[v.id]
	if !ok {
		grads[v.id] = g
		return
	}
	for i := range prev.Data {
		prev.Data[i] += g.Data[i]
	}
}
