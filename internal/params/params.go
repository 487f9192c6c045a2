// Package params defines the parameter set exchanged between clients, the
// server and aggregators: an ordered sequence of named float64 tensors.
package params

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"
)

// Tensor is a named, row-major block of model parameters.
type Tensor struct {
	Name  string    // Layer key, e.g. "fc1.weight"
	Shape []int     // Dimensions; the product equals len(Data)
	Data  []float64 // Row-major values
}

// Size returns the number of elements implied by the tensor's shape.
func (t Tensor) Size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Clone returns a deep copy of the tensor.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Name:  t.Name,
		Shape: slices.Clone(t.Shape),
		Data:  slices.Clone(t.Data),
	}
}

// Set is the full numeric state of a model. Order is significant: two sets
// are compatible only when their keys appear in the same order with the same
// shapes.
type Set []Tensor

// ShapeError reports a key or shape mismatch between two parameter sets.
// It indicates model/version skew and is never recovered from silently.
type ShapeError struct {
	Key    string // Offending key, empty when the key count differs
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("parameter shape mismatch: %s", e.Reason)
	}
	return fmt.Sprintf("parameter shape mismatch at %q: %s", e.Key, e.Reason)
}

// Keys returns the tensor names in order.
func (s Set) Keys() []string {
	keys := make([]string, len(s))
	for i, t := range s {
		keys[i] = t.Name
	}
	return keys
}

// Lookup returns the tensor stored under name.
func (s Set) Lookup(name string) (Tensor, bool) {
	idx := slices.IndexFunc(s, func(t Tensor) bool { return t.Name == name })
	if idx < 0 {
		return Tensor{}, false
	}
	return s[idx], true
}

// NumElements returns the total number of scalar parameters.
func (s Set) NumElements() int {
	n := 0
	for _, t := range s {
		n += len(t.Data)
	}
	return n
}

// Clone returns a deep copy; the result shares no memory with s.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	for i, t := range s {
		out[i] = t.Clone()
	}
	return out
}

// Compatible returns a *ShapeError unless other has exactly the same keys,
// in the same order, with the same shapes and data lengths as s.
func (s Set) Compatible(other Set) error {
	if len(s) != len(other) {
		return &ShapeError{Reason: fmt.Sprintf("expected %d tensors, got %d", len(s), len(other))}
	}
	for i, t := range s {
		o := other[i]
		if t.Name != o.Name {
			return &ShapeError{Key: t.Name, Reason: fmt.Sprintf("position %d holds %q", i, o.Name)}
		}
		if !slices.Equal(t.Shape, o.Shape) {
			return &ShapeError{Key: t.Name, Reason: fmt.Sprintf("shape %v, expected %v", o.Shape, t.Shape)}
		}
		if len(o.Data) != t.Size() {
			return &ShapeError{Key: t.Name, Reason: fmt.Sprintf("%d values for shape %v", len(o.Data), t.Shape)}
		}
	}
	return nil
}

// Equal reports whether both sets are compatible and hold identical values.
func (s Set) Equal(other Set) bool {
	if s.Compatible(other) != nil {
		return false
	}
	for i := range s {
		if !slices.Equal(s[i].Data, other[i].Data) {
			return false
		}
	}
	return true
}

// Values returns copies of the raw tensor data in key order.
func (s Set) Values() [][]float64 {
	out := make([][]float64, len(s))
	for i, t := range s {
		out[i] = slices.Clone(t.Data)
	}
	return out
}

// FromValues zips a raw ordered sequence of arrays against the keys and
// shapes of template. The correspondence is positional; a count or size
// mismatch is a *ShapeError rather than a partial load.
func FromValues(template Set, values [][]float64) (Set, error) {
	if len(values) != len(template) {
		return nil, &ShapeError{Reason: fmt.Sprintf("expected %d arrays, got %d", len(template), len(values))}
	}
	out := make(Set, len(template))
	for i, t := range template {
		if len(values[i]) != t.Size() {
			return nil, &ShapeError{Key: t.Name, Reason: fmt.Sprintf("%d values for shape %v", len(values[i]), t.Shape)}
		}
		out[i] = Tensor{
			Name:  t.Name,
			Shape: slices.Clone(t.Shape),
			Data:  slices.Clone(values[i]),
		}
	}
	return out, nil
}

// CopyInto overwrites dst's values with src's after checking compatibility.
// dst keeps its backing arrays, so views built over them stay valid.
func CopyInto(dst, src Set) error {
	if err := dst.Compatible(src); err != nil {
		return err
	}
	for i := range dst {
		copy(dst[i].Data, src[i].Data)
	}
	return nil
}

// Finite reports whether every value in the set is a finite number.
func (s Set) Finite() bool {
	for _, t := range s {
		for _, v := range t.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
