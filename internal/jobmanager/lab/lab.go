// Package lab describes the experimental configurations jobs can be submitted against.
package lab

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/jobmanager/tune"
)

// Lab is a fixed experimental configuration: the generator that runs it, the beams it needs and the subset of
// tunable parameters it exposes.
type Lab struct {
	Id         string   `validate:"required"`
	Parameters []string `validate:"required,min=1,dive,required"`
	Generator  string   `validate:"required"`
	Version    string
	Beams      []string
	// Histograms produced when a submission does not select any.
	Histograms []string
}

// Requirements are the capabilities an agent needs to run jobs of a lab.
type Requirements struct {
	Generator string
	Version   string
	Beams     []string
}

func (l Lab) Requirements() Requirements {
	return Requirements{
		Generator: l.Generator,
		Version:   l.Version,
		Beams:     slices.Clone(l.Beams),
	}
}

// Dimensions is the number of tunable parameters, D in the interpolator's K >= D+1 coverage rule.
func (l Lab) Dimensions() int {
	return len(l.Parameters)
}

// Registry is the read-only set of known labs.
type Registry struct {
	labs map[string]Lab
}

func NewRegistry(labs ...Lab) (*Registry, error) {
	r := &Registry{labs: make(map[string]Lab, len(labs))}
	for _, l := range labs {
		if _, ok := r.labs[l.Id]; ok {
			return nil, &lqerrors.ErrAlreadyExists{Type: "lab", Value: l.Id}
		}
		l.Parameters = slices.Clone(l.Parameters)
		slices.Sort(l.Parameters)
		r.labs[l.Id] = l
	}
	return r, nil
}

func (r *Registry) Get(id string) (Lab, bool) {
	l, ok := r.labs[id]
	return l, ok
}

// Ids returns the ids of all labs, sorted.
func (r *Registry) Ids() []string {
	ids := maps.Keys(r.labs)
	slices.Sort(ids)
	return ids
}

// ValidateTune checks that the tune's lab exists and that every parameter of the tune is exposed by that lab.
// Parameters the tune leaves out are allowed.
func (r *Registry) ValidateTune(t tune.Tune) (Lab, error) {
	l, ok := r.labs[t.Lab()]
	if !ok {
		return Lab{}, &lqerrors.ErrAdmission{Reason: "unknown-lab", Message: t.Lab()}
	}
	for _, name := range t.Names() {
		if _, found := slices.BinarySearch(l.Parameters, name); !found {
			return Lab{}, &lqerrors.ErrInvalidArgument{
				Name:    "parameters",
				Value:   name,
				Message: "parameter is not exposed by lab " + l.Id,
			}
		}
	}
	return l, nil
}
