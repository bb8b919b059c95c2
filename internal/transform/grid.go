package transform

import (
	"fmt"
	"math"
	"slices"
)

// Grid is a regular lattice in physical space. It defines the virtual
// domain in which metrics are evaluated and on which displacement fields
// store their per-node parameters. Index component 0 varies fastest.
type Grid struct {
	Size    []int     `json:"size" yaml:"size" mapstructure:"size"`
	Spacing []float64 `json:"spacing" yaml:"spacing" mapstructure:"spacing"`
	Origin  []float64 `json:"origin" yaml:"origin" mapstructure:"origin"`
}

// NewGrid validates the lattice description and returns a grid.
func NewGrid(size []int, spacing, origin []float64) (*Grid, error) {
	g := &Grid{Size: size, Spacing: spacing, Origin: origin}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks that all vectors agree in dimension and describe a
// non-empty lattice.
func (g *Grid) Validate() error {
	d := len(g.Size)
	if d == 0 {
		return fmt.Errorf("grid: size cannot be empty")
	}
	if len(g.Spacing) != d {
		return &SizeError{What: "grid spacing", Expected: d, Actual: len(g.Spacing)}
	}
	if len(g.Origin) != d {
		return &SizeError{What: "grid origin", Expected: d, Actual: len(g.Origin)}
	}
	for i := 0; i < d; i++ {
		if g.Size[i] <= 0 {
			return fmt.Errorf("grid: size[%d] must be positive, got %d", i, g.Size[i])
		}
		if g.Spacing[i] <= 0 {
			return fmt.Errorf("grid: spacing[%d] must be positive, got %g", i, g.Spacing[i])
		}
	}
	return nil
}

// Dimension returns the number of axes.
func (g *Grid) Dimension() int {
	return len(g.Size)
}

// NumberOfNodes returns the product of the sizes.
func (g *Grid) NumberOfNodes() int {
	n := 1
	for _, s := range g.Size {
		n *= s
	}
	return n
}

// Equal reports whether both grids describe the same lattice.
func (g *Grid) Equal(other *Grid) bool {
	if g == nil || other == nil {
		return g == other
	}
	return slices.Equal(g.Size, other.Size) &&
		slices.Equal(g.Spacing, other.Spacing) &&
		slices.Equal(g.Origin, other.Origin)
}

// MinimumSpacing returns the finest sampling resolution of the grid.
func (g *Grid) MinimumSpacing() float64 {
	m := math.Inf(1)
	for _, s := range g.Spacing {
		m = math.Min(m, s)
	}
	return m
}

// Index returns the nearest node to p and whether that node lies inside
// the grid.
func (g *Grid) Index(p Point) ([]int, bool) {
	idx := make([]int, len(g.Size))
	inside := len(p) == len(g.Size)
	for i := range g.Size {
		if i >= len(p) {
			break
		}
		idx[i] = int(math.Round((p[i] - g.Origin[i]) / g.Spacing[i]))
		if idx[i] < 0 || idx[i] >= g.Size[i] {
			inside = false
		}
	}
	return idx, inside
}

// Point returns the physical location of a node.
func (g *Grid) Point(index []int) Point {
	p := make(Point, len(g.Size))
	for i := range g.Size {
		p[i] = g.Origin[i] + float64(index[i])*g.Spacing[i]
	}
	return p
}

// Contains reports whether index addresses a node of the grid.
func (g *Grid) Contains(index []int) bool {
	if len(index) != len(g.Size) {
		return false
	}
	for i, v := range index {
		if v < 0 || v >= g.Size[i] {
			return false
		}
	}
	return true
}

// LinearIndex flattens a node index.
func (g *Grid) LinearIndex(index []int) int {
	offset := 0
	stride := 1
	for i, v := range index {
		offset += v * stride
		stride *= g.Size[i]
	}
	return offset
}

// Nodes returns the physical location of every node in linear order.
func (g *Grid) Nodes() []Point {
	n := g.NumberOfNodes()
	nodes := make([]Point, 0, n)
	idx := make([]int, len(g.Size))
	for k := 0; k < n; k++ {
		rem := k
		for i, s := range g.Size {
			idx[i] = rem % s
			rem /= s
		}
		nodes = append(nodes, g.Point(idx))
	}
	return nodes
}
