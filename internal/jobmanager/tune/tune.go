// Package tune holds the parameter assignments users steer a lab with and their canonical neighborhood keys.
package tune

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/exp/slices"
)

// Parameter is one named value of a Tune.
type Parameter struct {
	Name  string
	Value float64
}

// Tune is an immutable assignment of values to the tunable parameters of a lab. Parameters are kept sorted by name.
type Tune struct {
	lab    string
	params []Parameter
}

// New copies params into a new Tune.
func New(lab string, params map[string]float64) Tune {
	sorted := make([]Parameter, 0, len(params))
	for name, value := range params {
		sorted = append(sorted, Parameter{Name: name, Value: value})
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})
	return Tune{lab: lab, params: sorted}
}

func (t Tune) Lab() string {
	return t.lab
}

func (t Tune) Len() int {
	return len(t.params)
}

// Names returns the parameter names in lexicographic order.
func (t Tune) Names() []string {
	names := make([]string, len(t.params))
	for i, p := range t.params {
		names[i] = p.Name
	}
	return names
}

// Values returns the parameter values ordered as Names.
func (t Tune) Values() []float64 {
	values := make([]float64, len(t.params))
	for i, p := range t.params {
		values[i] = p.Value
	}
	return values
}

func (t Tune) Value(name string) (float64, bool) {
	i := sort.Search(len(t.params), func(i int) bool {
		return t.params[i].Name >= name
	})
	if i == len(t.params) || t.params[i].Name != name {
		return 0, false
	}
	return t.params[i].Value, true
}

// Parameters returns a copy of the tune as a map, in the shape used on the wire.
func (t Tune) Parameters() map[string]float64 {
	params := make(map[string]float64, len(t.params))
	for _, p := range t.params {
		params[p.Name] = p.Value
	}
	return params
}

// Equal is true if both tunes belong to the same lab and carry exactly the same values.
func (t Tune) Equal(o Tune) bool {
	return t.lab == o.lab && slices.Equal(t.params, o.params)
}

func (t Tune) String() string {
	var sb strings.Builder
	sb.WriteString(t.lab)
	sb.WriteString("{")
	for i, p := range t.params {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%g", p.Name, p.Value)
	}
	sb.WriteString("}")
	return sb.String()
}

// Distance is the euclidean distance between a and b after dividing each coordinate by scale(name). Parameters
// missing from either tune are compared against zero.
func Distance(a, b Tune, scale func(name string) float64) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(a.params) || j < len(b.params) {
		var name string
		var va, vb float64
		switch {
		case j >= len(b.params) || (i < len(a.params) && a.params[i].Name < b.params[j].Name):
			name, va = a.params[i].Name, a.params[i].Value
			i++
		case i >= len(a.params) || b.params[j].Name < a.params[i].Name:
			name, vb = b.params[j].Name, b.params[j].Value
			j++
		default:
			name, va, vb = a.params[i].Name, a.params[i].Value, b.params[j].Value
			i++
			j++
		}
		d := va - vb
		if s := scale(name); s > 0 {
			d /= s
		}
		sum += d * d
	}
	return math.Sqrt(sum)
}
