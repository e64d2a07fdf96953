package histogram

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ErrBinMismatch is returned when two intermediates of the same histogram disagree on their bin structure.
var ErrBinMismatch = errors.New("bin structure mismatch")

// Relative tolerance when comparing bin edges that have been through text encodings.
const edgeTolerance = 1e-9

// Intermediate holds the raw per-bin moments of a histogram: the bin edges, Σw, Σw², Σwx, Σwx² and the number of
// entries. Moments are additive, so intermediates from different agents merge by bin-wise addition.
type Intermediate struct {
	Name    string    `json:"name"`
	XLow    []float64 `json:"xlow"`
	XHigh   []float64 `json:"xhigh"`
	SumW    []float64 `json:"sumw"`
	SumW2   []float64 `json:"sumw2"`
	SumWX   []float64 `json:"sumwx"`
	SumWX2  []float64 `json:"sumwx2"`
	Entries []float64 `json:"entries"`
}

// NewIntermediate returns empty moments over the given bin edges.
func NewIntermediate(name string, xLow, xHigh []float64) *Intermediate {
	bins := len(xLow)
	return &Intermediate{
		Name:    name,
		XLow:    slices.Clone(xLow),
		XHigh:   slices.Clone(xHigh),
		SumW:    make([]float64, bins),
		SumW2:   make([]float64, bins),
		SumWX:   make([]float64, bins),
		SumWX2:  make([]float64, bins),
		Entries: make([]float64, bins),
	}
}

func (i *Intermediate) Bins() int {
	return len(i.XLow)
}

// Fill adds one weighted entry at x to the bin containing it. Entries outside the edges are ignored.
func (i *Intermediate) Fill(x, w float64) {
	for b := range i.XLow {
		if x >= i.XLow[b] && x < i.XHigh[b] {
			i.SumW[b] += w
			i.SumW2[b] += w * w
			i.SumWX[b] += w * x
			i.SumWX2[b] += w * x * x
			i.Entries[b]++
			return
		}
	}
}

// Validate checks that all arrays have one entry per bin and that every bin has positive width.
func (i *Intermediate) Validate() error {
	if i.Name == "" {
		return errors.New("intermediate histogram has no name")
	}
	bins := i.Bins()
	for _, arr := range [][]float64{i.XHigh, i.SumW, i.SumW2, i.SumWX, i.SumWX2, i.Entries} {
		if len(arr) != bins {
			return errors.Errorf("histogram %s: array length %d does not match %d bins", i.Name, len(arr), bins)
		}
	}
	for b := 0; b < bins; b++ {
		if !(i.XHigh[b] > i.XLow[b]) {
			return errors.Errorf("histogram %s: bin %d has non-positive width", i.Name, b)
		}
	}
	return nil
}

// SameBinning reports whether both intermediates have identical bin edges.
func (i *Intermediate) SameBinning(o *Intermediate) bool {
	if i.Bins() != o.Bins() {
		return false
	}
	for b := range i.XLow {
		if !edgeEqual(i.XLow[b], o.XLow[b]) || !edgeEqual(i.XHigh[b], o.XHigh[b]) {
			return false
		}
	}
	return true
}

func edgeEqual(a, b float64) bool {
	return math.Abs(a-b) <= edgeTolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// Add merges the moments of o into i. i is left untouched if the binning differs.
func (i *Intermediate) Add(o *Intermediate) error {
	if !i.SameBinning(o) {
		return errors.Wrapf(ErrBinMismatch, "histogram %s: %d bins vs %d bins", i.Name, i.Bins(), o.Bins())
	}
	for b := range i.XLow {
		i.SumW[b] += o.SumW[b]
		i.SumW2[b] += o.SumW2[b]
		i.SumWX[b] += o.SumWX[b]
		i.SumWX2[b] += o.SumWX2[b]
		i.Entries[b] += o.Entries[b]
	}
	return nil
}

func (i *Intermediate) Clone() *Intermediate {
	return &Intermediate{
		Name:    i.Name,
		XLow:    slices.Clone(i.XLow),
		XHigh:   slices.Clone(i.XHigh),
		SumW:    slices.Clone(i.SumW),
		SumW2:   slices.Clone(i.SumW2),
		SumWX:   slices.Clone(i.SumWX),
		SumWX2:  slices.Clone(i.SumWX2),
		Entries: slices.Clone(i.Entries),
	}
}

// Finalise normalises the moments into a density histogram for totalEvents generated events:
// Y = Σw/(width·N), YErr = √Σw²/(width·N) and X the weighted mean of the bin, or its centre when the bin is empty.
func (i *Intermediate) Finalise(totalEvents float64) *Histogram {
	h := NewHistogram(i.Name, i.Bins())
	for b := range i.XLow {
		width := i.XHigh[b] - i.XLow[b]
		norm := width * totalEvents
		if norm > 0 {
			h.Y[b] = i.SumW[b] / norm
			h.YErrPlus[b] = math.Sqrt(i.SumW2[b]) / norm
			h.YErrMinus[b] = h.YErrPlus[b]
		}
		x := (i.XLow[b] + i.XHigh[b]) / 2
		if i.SumW[b] != 0 {
			x = i.SumWX[b] / i.SumW[b]
		}
		h.X[b] = x
		h.XErrMinus[b] = x - i.XLow[b]
		h.XErrPlus[b] = i.XHigh[b] - x
	}
	return h
}

// IntermediateCollection is an ordered set of intermediates with unique names. On the wire it is a JSON array.
type IntermediateCollection struct {
	items []*Intermediate
	index map[string]int
}

func NewIntermediateCollection(items ...*Intermediate) *IntermediateCollection {
	c := &IntermediateCollection{index: map[string]int{}}
	for _, item := range items {
		c.Put(item)
	}
	return c
}

// Put stores item, replacing any intermediate of the same name.
func (c *IntermediateCollection) Put(item *Intermediate) {
	if i, ok := c.index[item.Name]; ok {
		c.items[i] = item
		return
	}
	c.index[item.Name] = len(c.items)
	c.items = append(c.items, item)
}

func (c *IntermediateCollection) Get(name string) (*Intermediate, bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return c.items[i], true
}

func (c *IntermediateCollection) Len() int {
	return len(c.items)
}

func (c *IntermediateCollection) Names() []string {
	names := make([]string, len(c.items))
	for i, item := range c.items {
		names[i] = item.Name
	}
	return names
}

func (c *IntermediateCollection) Items() []*Intermediate {
	return slices.Clone(c.items)
}

// Remove drops the named intermediate, if present.
func (c *IntermediateCollection) Remove(name string) {
	i, ok := c.index[name]
	if !ok {
		return
	}
	c.items = slices.Delete(c.items, i, i+1)
	delete(c.index, name)
	for j := i; j < len(c.items); j++ {
		c.index[c.items[j].Name] = j
	}
}

func (c *IntermediateCollection) Clone() *IntermediateCollection {
	clone := NewIntermediateCollection()
	for _, item := range c.items {
		clone.Put(item.Clone())
	}
	return clone
}

// Finalise normalises every intermediate for totalEvents generated events.
func (c *IntermediateCollection) Finalise(totalEvents float64) *Collection {
	out := NewCollection()
	for _, item := range c.items {
		out.Add(item.Finalise(totalEvents))
	}
	return out
}

func (c *IntermediateCollection) MarshalJSON() ([]byte, error) {
	if c.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.items)
}

func (c *IntermediateCollection) UnmarshalJSON(data []byte) error {
	var items []*Intermediate
	if err := json.Unmarshal(data, &items); err != nil {
		return errors.WithStack(err)
	}
	*c = *NewIntermediateCollection()
	for _, item := range items {
		if item == nil {
			continue
		}
		if _, ok := c.index[item.Name]; ok {
			return errors.Errorf("duplicate histogram %s", item.Name)
		}
		c.Put(item)
	}
	return nil
}
