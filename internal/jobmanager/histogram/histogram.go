// Package histogram contains the histogram collections jobs produce, the intermediate moments agents stream and the
// packed binary format shared with the rest of LiveQ.
package histogram

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Histogram is a finalised, normalised histogram. All arrays have one entry per bin.
type Histogram struct {
	Name      string
	Y         []float64
	YErrPlus  []float64
	YErrMinus []float64
	X         []float64
	XErrPlus  []float64
	XErrMinus []float64
	Meta      map[string]string
}

// NewHistogram returns a zero-valued histogram with the given number of bins.
func NewHistogram(name string, bins int) *Histogram {
	return &Histogram{
		Name:      name,
		Y:         make([]float64, bins),
		YErrPlus:  make([]float64, bins),
		YErrMinus: make([]float64, bins),
		X:         make([]float64, bins),
		XErrPlus:  make([]float64, bins),
		XErrMinus: make([]float64, bins),
		Meta:      map[string]string{},
	}
}

func (h *Histogram) Bins() int {
	return len(h.Y)
}

// Arrays returns the bin arrays in packed order. The slices alias the histogram.
func (h *Histogram) Arrays() [][]float64 {
	return [][]float64{h.Y, h.YErrPlus, h.YErrMinus, h.X, h.XErrPlus, h.XErrMinus}
}

func (h *Histogram) Clone() *Histogram {
	return &Histogram{
		Name:      h.Name,
		Y:         slices.Clone(h.Y),
		YErrPlus:  slices.Clone(h.YErrPlus),
		YErrMinus: slices.Clone(h.YErrMinus),
		X:         slices.Clone(h.X),
		XErrPlus:  slices.Clone(h.XErrPlus),
		XErrMinus: slices.Clone(h.XErrMinus),
		Meta:      maps.Clone(h.Meta),
	}
}

// Collection is an ordered set of histograms with unique names.
type Collection struct {
	histograms []*Histogram
	index      map[string]int
}

func NewCollection(histograms ...*Histogram) *Collection {
	c := &Collection{index: map[string]int{}}
	for _, h := range histograms {
		c.Add(h)
	}
	return c
}

// Add appends h, replacing any histogram of the same name in place.
func (c *Collection) Add(h *Histogram) {
	if i, ok := c.index[h.Name]; ok {
		c.histograms[i] = h
		return
	}
	c.index[h.Name] = len(c.histograms)
	c.histograms = append(c.histograms, h)
}

func (c *Collection) Get(name string) (*Histogram, bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return c.histograms[i], true
}

func (c *Collection) Len() int {
	return len(c.histograms)
}

func (c *Collection) Names() []string {
	names := make([]string, len(c.histograms))
	for i, h := range c.histograms {
		names[i] = h.Name
	}
	return names
}

// Histograms returns the histograms in insertion order. The slice is a copy, the histograms are not.
func (c *Collection) Histograms() []*Histogram {
	return slices.Clone(c.histograms)
}

// Filter returns a new collection with the named histograms, in the order given. Names that are not present are
// skipped. An empty selection selects everything.
func (c *Collection) Filter(names []string) *Collection {
	if len(names) == 0 {
		return NewCollection(c.histograms...)
	}
	filtered := NewCollection()
	for _, name := range names {
		if h, ok := c.Get(name); ok {
			filtered.Add(h)
		}
	}
	return filtered
}

func (c *Collection) Clone() *Collection {
	clone := NewCollection()
	for _, h := range c.histograms {
		clone.Add(h.Clone())
	}
	return clone
}
