// Package nn provides parameter handles and the float layers that the
// compression passes rewrite.
package nn

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/squeeze/internal/tensor"
)

var (
	ErrDuplicateParameter = errors.New("duplicate parameter name")
	ErrUnknownInit        = errors.New("unknown initializer")
)

// Parameter is a named, stable handle to a tensor. Rewrites move handles
// between layers instead of copying them, and resizing a parameter swaps the
// tensor inside the same handle, so anything keyed by the handle or its name
// (optimizer state, checkpoints) keeps pointing at the live value.
type Parameter struct {
	Name         string
	Data         *tensor.Tensor
	RequiresGrad bool
}

// NewParameter returns a trainable parameter.
func NewParameter(name string, data *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, Data: data, RequiresGrad: true}
}

// NewBuffer returns a non-trainable parameter such as a running statistic.
func NewBuffer(name string, data *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, Data: data}
}

// Assign replaces the tensor held by p.
func (p *Parameter) Assign(t *tensor.Tensor) { p.Data = t }

// Registry maps stable names to parameter handles, standing in for an
// optimizer's parameter bindings.
type Registry struct {
	byName map[string]*Parameter
	order  []string
}

// NewRegistry collects the parameters of modules in order.
func NewRegistry(modules ...Module) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Parameter)}
	for _, m := range modules {
		for _, p := range m.Parameters() {
			if err := r.Register(p); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Register adds p. Registering the same handle twice is a no-op; two
// different handles under one name are an error.
func (r *Registry) Register(p *Parameter) error {
	if prev, ok := r.byName[p.Name]; ok {
		if prev == p {
			return nil
		}
		return fmt.Errorf("%w: %q", ErrDuplicateParameter, p.Name)
	}
	r.byName[p.Name] = p
	r.order = append(r.order, p.Name)
	return nil
}

// Lookup returns the handle registered under name.
func (r *Registry) Lookup(name string) (*Parameter, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string { return append([]string(nil), r.order...) }

// Len returns the number of registered parameters.
func (r *Registry) Len() int { return len(r.order) }

// Initializer names.
const (
	InitOnes   = "ones"
	InitZeros  = "zeros"
	InitNormal = "normal"
)

// Init creates a tensor of the given shape. Normal initialization uses a
// He-scaled standard deviation derived from fanIn and is reproducible for a
// given seed.
func Init(kind string, fanIn int, seed int64, shape ...int) (*tensor.Tensor, error) {
	switch kind {
	case InitOnes:
		return tensor.Ones(shape...), nil
	case InitZeros, "":
		return tensor.New(shape...), nil
	case InitNormal:
		t := tensor.New(shape...)
		std := float32(math.Sqrt(2 / float64(max(fanIn, 1))))
		tensor.FillNormal(t, std, seed)
		return t, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownInit, kind)
	}
}
