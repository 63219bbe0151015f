// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the array-shape attribute tracked by the attribute inference engine.
//
// Differently from a concrete array shape, a Shape here may be partially known:
//
//   - Unknown rank: nothing is known about the shape (the zero value, see Unknown).
//   - Known rank, with some dimensions set to UnknownDim: the number of axes is known, but
//     not all of their sizes.
//   - Fully known: rank is known and all dimensions are >= 0.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of an array.
//   - Axis: is the index of a dimension on a multidimensional array.
//   - Dimension: the size of the array in one of its axes.
//   - Scalar: a shape with known rank 0.
package shapes

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// UnknownDim marks a dimension whose size is not known yet.
const UnknownDim = -1

// Shape represents the (possibly partially known) shape of an array or of a node-entry in a graph.
//
// The zero value is a shape with unknown rank.
type Shape struct {
	Dimensions []int
	rankKnown  bool
}

// Unknown returns a shape with unknown rank.
func Unknown() Shape { return Shape{} }

// Make returns a shape with known rank and the given dimensions. Dimensions can be UnknownDim.
func Make(dimensions ...int) Shape {
	dims := slices.Clone(dimensions)
	for ii, dim := range dims {
		if dim < 0 {
			dims[ii] = UnknownDim
		}
	}
	return Shape{Dimensions: dims, rankKnown: true}
}

// MakeRank returns a shape with the given rank, but all dimensions unknown.
func MakeRank(rank int) Shape {
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = UnknownDim
	}
	return Shape{Dimensions: dims, rankKnown: true}
}

// Scalar returns the shape of a scalar: known rank 0.
func Scalar() Shape { return Shape{rankKnown: true} }

// RankKnown returns whether the number of axes is known.
func (s Shape) RankKnown() bool { return s.rankKnown }

// Rank returns the number of axes, or -1 if the rank is unknown.
func (s Shape) Rank() int {
	if !s.rankKnown {
		return -1
	}
	return len(s.Dimensions)
}

// Dim returns the dimension of the given axis. Negative axes count from the end.
// It panics for an out-of-bound axis or unknown rank, like a slice indexing.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += len(s.Dimensions)
	}
	if !s.rankKnown || adjusted < 0 || adjusted >= len(s.Dimensions) {
		panic(errors.Errorf("Shape.Dim(%d) out-of-bounds for shape %s", axis, s))
	}
	return s.Dimensions[adjusted]
}

// IsFullyKnown returns whether rank and every dimension is known.
func (s Shape) IsFullyKnown() bool {
	if !s.rankKnown {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim < 0 {
			return false
		}
	}
	return true
}

// NumUnknown is the weight of this shape when counting unknowns: 1 for unknown rank, otherwise the number
// of unknown dimensions.
func (s Shape) NumUnknown() int {
	if !s.rankKnown {
		return 1
	}
	var count int
	for _, dim := range s.Dimensions {
		if dim < 0 {
			count++
		}
	}
	return count
}

// Size returns the number of elements, the product of all dimensions. It returns -1 if the shape is not
// fully known.
func (s Shape) Size() int {
	if !s.IsFullyKnown() {
		return -1
	}
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Equal compares two shapes: rank knowledge and every dimension must match.
func (s Shape) Equal(s2 Shape) bool {
	if s.rankKnown != s2.rankKnown {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions), rankKnown: s.rankKnown}
}

// Merge combines the knowledge of two shapes: unknown parts of one are filled by the other.
// It returns false if they conflict: different ranks or different known dimensions.
func Merge(s1, s2 Shape) (Shape, bool) {
	if !s1.rankKnown {
		return s2.Clone(), true
	}
	if !s2.rankKnown {
		return s1.Clone(), true
	}
	if len(s1.Dimensions) != len(s2.Dimensions) {
		return s1, false
	}
	merged := s1.Clone()
	for ii, dim := range s2.Dimensions {
		switch {
		case dim < 0:
		case merged.Dimensions[ii] < 0:
			merged.Dimensions[ii] = dim
		case merged.Dimensions[ii] != dim:
			return s1, false
		}
	}
	return merged, true
}

// String implements fmt.Stringer. Unknown dimensions are printed as "?".
func (s Shape) String() string {
	if !s.rankKnown {
		return "<unknown>"
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		if dim < 0 {
			parts[ii] = "?"
		} else {
			parts[ii] = strconv.Itoa(dim)
		}
	}
	return fmt.Sprintf("(%s)", strings.Join(parts, ", "))
}

// Parse a shape literal, as stored in node attributes: "(4, 8)", "[4,8]", "(-1, 8)" or "()" for scalars.
// "None" and "" are parsed as unknown rank.
func Parse(literal string) (Shape, error) {
	str := strings.TrimSpace(literal)
	if str == "" || str == "None" {
		return Unknown(), nil
	}
	if len(str) < 2 || !((str[0] == '(' && str[len(str)-1] == ')') || (str[0] == '[' && str[len(str)-1] == ']')) {
		return Unknown(), errors.Errorf("invalid shape literal %q: it must be enclosed by () or []", literal)
	}
	body := strings.TrimSpace(str[1 : len(str)-1])
	if body == "" {
		return Scalar(), nil
	}
	var dims []int
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			// Python style single-element tuple "(4,)".
			continue
		}
		if part == "?" || part == "None" {
			dims = append(dims, UnknownDim)
			continue
		}
		dim, err := strconv.Atoi(part)
		if err != nil {
			return Unknown(), errors.Wrapf(err, "invalid dimension %q in shape literal %q", part, literal)
		}
		dims = append(dims, dim)
	}
	return Make(dims...), nil
}
