// Package interpolator serves histogram collections for tunes that were never run, built from the results of nearby
// completed jobs.
package interpolator

import (
	"context"
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/jobmanager/histogram"
	"github.com/liveq/jobmanager/internal/jobmanager/lab"
	"github.com/liveq/jobmanager/internal/jobmanager/tune"
)

const (
	DefaultBudgetPerLab      = 512
	DefaultNeighborhoodScale = 10.0
)

type Config struct {
	// Samples kept per lab; the least recently used are evicted beyond it.
	BudgetPerLab int `validate:"gte=0"`
	// Half-width of the interpolation neighbourhood, in units of each parameter's round.
	NeighborhoodScale float64 `validate:"gte=0"`
	// Samples from jobs with fewer events are not stored.
	MinEvents int `validate:"gte=0"`
}

// Sample is the finalised result of one completed job.
type Sample struct {
	Tune       tune.Tune
	Collection *histogram.Collection
	Events     int
}

// Result is the answer to a lookup. Exact is set only when a stored sample has the requested neighborhood key.
type Result struct {
	Collection *histogram.Collection
	Exact      bool
	// Samples the result was built from.
	Samples int
	// Events behind an exact result. Zero for interpolations.
	Events int
}

// Cache keeps, per lab, a bounded LRU of samples keyed by neighborhood key.
type Cache struct {
	config       Config
	labs         *lab.Registry
	quantisation *tune.QuantisationTable
	datasets     map[string]*lru.Cache
	mu           sync.Mutex
}

func NewCache(config Config, labs *lab.Registry, quantisation *tune.QuantisationTable) *Cache {
	if config.BudgetPerLab <= 0 {
		config.BudgetPerLab = DefaultBudgetPerLab
	}
	if config.NeighborhoodScale <= 0 {
		config.NeighborhoodScale = DefaultNeighborhoodScale
	}
	return &Cache{
		config:       config,
		labs:         labs,
		quantisation: quantisation,
		datasets:     map[string]*lru.Cache{},
	}
}

func (c *Cache) dataset(labId string, create bool) *lru.Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.datasets[labId]
	if !ok && create {
		// lru.New only fails for a non-positive size.
		d, _ = lru.New(c.config.BudgetPerLab)
		c.datasets[labId] = d
	}
	return d
}

// Append stores a sample, replacing any sample with the same neighborhood key. Samples below the event minimum are
// ignored and false is returned.
func (c *Cache) Append(t tune.Tune, collection *histogram.Collection, events int) (bool, error) {
	if _, err := c.labs.ValidateTune(t); err != nil {
		return false, err
	}
	if collection == nil || collection.Len() == 0 {
		return false, errors.WithStack(&lqerrors.ErrInvalidArgument{Name: "collection", Value: nil, Message: "empty"})
	}
	if events < c.config.MinEvents {
		return false, nil
	}
	key := c.quantisation.Canonicalise(t)
	evicted := c.dataset(t.Lab(), true).Add(key, &Sample{Tune: t, Collection: collection.Clone(), Events: events})
	log.WithFields(log.Fields{"lab": t.Lab(), "key": key, "evicted": evicted}).Debug("stored interpolation sample")
	return true, nil
}

// Len is the number of samples stored for a lab.
func (c *Cache) Len(labId string) int {
	d := c.dataset(labId, false)
	if d == nil {
		return 0
	}
	return d.Len()
}

// Lookup answers from a stored sample with the same neighborhood key when there is one. Otherwise it interpolates
// from the samples within the neighbourhood of t, provided there are at least D+1 of them for a lab with D
// parameters. The returned collection holds the requested histograms only, or all of them if none are requested.
// ok is false when there is not enough coverage.
func (c *Cache) Lookup(ctx context.Context, t tune.Tune, histograms []string) (Result, bool, error) {
	l, err := c.labs.ValidateTune(t)
	if err != nil {
		return Result{}, false, err
	}
	d := c.dataset(t.Lab(), false)
	if d == nil {
		return Result{}, false, nil
	}
	if result, ok := c.exact(d, t, histograms); ok {
		return result, true, nil
	}

	samples := c.neighbours(d, l, t)
	if len(samples) < l.Dimensions()+1 {
		return Result{}, false, nil
	}
	space := newParameterSpace(l, c.quantisation, c.config.NeighborhoodScale)
	collection, err := interpolate(ctx, space, samples, t, histograms)
	if err != nil {
		return Result{}, false, err
	}
	return Result{Collection: collection, Samples: len(samples)}, true, nil
}

// Exact answers only from a stored sample with the same neighborhood key as t. It never interpolates.
func (c *Cache) Exact(t tune.Tune, histograms []string) (Result, bool) {
	d := c.dataset(t.Lab(), false)
	if d == nil {
		return Result{}, false
	}
	return c.exact(d, t, histograms)
}

func (c *Cache) exact(d *lru.Cache, t tune.Tune, histograms []string) (Result, bool) {
	v, ok := d.Get(c.quantisation.Canonicalise(t))
	if !ok {
		return Result{}, false
	}
	s := v.(*Sample)
	return Result{Collection: s.Collection.Filter(histograms).Clone(), Exact: true, Samples: 1, Events: s.Events}, true
}

// neighbours returns the samples within one neighbourhood step of t on every parameter, ordered by key.
func (c *Cache) neighbours(d *lru.Cache, l lab.Lab, t tune.Tune) []*Sample {
	keys := d.Keys()
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].(tune.NeighborhoodKey) < keys[j].(tune.NeighborhoodKey)
	})
	var samples []*Sample
	for _, key := range keys {
		v, ok := d.Peek(key)
		if !ok {
			continue
		}
		s := v.(*Sample)
		if c.withinReach(l, s.Tune, t) {
			samples = append(samples, s)
		}
	}
	return samples
}

func (c *Cache) withinReach(l lab.Lab, a, b tune.Tune) bool {
	for _, name := range l.Parameters {
		va, _ := a.Value(name)
		vb, _ := b.Value(name)
		reach := c.quantisation.For(name).Round * c.config.NeighborhoodScale
		if math.Abs(va-vb) > reach {
			return false
		}
	}
	return true
}
