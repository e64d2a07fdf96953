package interpolator

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/liveq/jobmanager/internal/jobmanager/histogram"
	"github.com/liveq/jobmanager/internal/jobmanager/lab"
	"github.com/liveq/jobmanager/internal/jobmanager/tune"
)

const (
	// Relative singular value below which a direction of the sample cloud is considered flat.
	rankTolerance = 1e-9
	// Condition number above which the RBF system is treated as singular.
	maxCondition = 1e12
	// Arrays interpolated per histogram, see histogram.Histogram.Arrays.
	arraysPerHistogram = 6
)

// parameterSpace maps tunes of one lab to points in a unitless space where one unit is one neighbourhood step.
type parameterSpace struct {
	names  []string
	scales []float64
}

func newParameterSpace(l lab.Lab, qt *tune.QuantisationTable, neighborhoodScale float64) parameterSpace {
	s := parameterSpace{names: l.Parameters, scales: make([]float64, len(l.Parameters))}
	for i, name := range l.Parameters {
		s.scales[i] = qt.For(name).Round * neighborhoodScale
	}
	return s
}

func (s parameterSpace) point(t tune.Tune) []float64 {
	p := make([]float64, len(s.names))
	for i, name := range s.names {
		v, _ := t.Value(name)
		p[i] = v / s.scales[i]
	}
	return p
}

// affineRank is the dimension of the affine hull of points.
func affineRank(points [][]float64) int {
	if len(points) < 2 {
		return 0
	}
	dims := len(points[0])
	diffs := mat.NewDense(len(points)-1, dims, nil)
	for i := 1; i < len(points); i++ {
		for j := 0; j < dims; j++ {
			diffs.Set(i-1, j, points[i][j]-points[0][j])
		}
	}
	var svd mat.SVD
	if !svd.Factorize(diffs, mat.SVDNone) {
		return 0
	}
	values := svd.Values(nil)
	if len(values) == 0 || values[0] == 0 {
		return 0
	}
	rank := 0
	for _, v := range values {
		if v > rankTolerance*values[0] {
			rank++
		}
	}
	return rank
}

// epsilon follows the bounding box rule: the edge of a hypercube holding one sample when the samples are spread
// evenly over their bounding box.
func epsilon(points [][]float64) float64 {
	dims := len(points[0])
	volume := 1.0
	active := 0
	for j := 0; j < dims; j++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, p := range points {
			lo = math.Min(lo, p[j])
			hi = math.Max(hi, p[j])
		}
		if hi > lo {
			volume *= hi - lo
			active++
		}
	}
	if active == 0 {
		return 1
	}
	return math.Pow(volume/float64(len(points)), 1/float64(active))
}

func multiquadric(r, eps float64) float64 {
	return math.Sqrt(r*r + eps*eps)
}

// interpolate builds a collection at t from samples. When the samples do not span the parameter space, or the RBF
// system cannot be solved, the nearest sample is returned instead.
func interpolate(ctx context.Context, space parameterSpace, samples []*Sample, t tune.Tune, histograms []string) (*histogram.Collection, error) {
	points := make([][]float64, len(samples))
	for i, s := range samples {
		points[i] = space.point(s.Tune)
	}
	target := space.point(t)
	nearest := nearestSample(points, target)

	if affineRank(points) < len(space.names) {
		return samples[nearest].Collection.Filter(histograms).Clone(), nil
	}
	eps := epsilon(points)
	k := len(points)
	phi := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			phi.Set(i, j, multiquadric(floats.Distance(points[i], points[j], 2), eps))
		}
	}
	var lu mat.LU
	lu.Factorize(phi)
	if lu.Det() == 0 || lu.Cond() > maxCondition {
		return samples[nearest].Collection.Filter(histograms).Clone(), nil
	}
	at := mat.NewDense(1, k, nil)
	for i := 0; i < k; i++ {
		at.Set(0, i, multiquadric(floats.Distance(points[i], target, 2), eps))
	}

	names := histograms
	if len(names) == 0 {
		names = samples[nearest].Collection.Names()
	}
	out := histogram.NewCollection()
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
		h, err := interpolateHistogram(&lu, at, samples, nearest, name)
		if err != nil {
			return nil, err
		}
		if h != nil {
			out.Add(h)
		}
	}
	return out, nil
}

// interpolateHistogram solves for the RBF weights of every bin of every array of one histogram at once. Histograms
// missing from a sample, or binned differently, are skipped.
func interpolateHistogram(lu *mat.LU, at *mat.Dense, samples []*Sample, nearest int, name string) (*histogram.Histogram, error) {
	reference, ok := samples[nearest].Collection.Get(name)
	if !ok {
		return nil, nil
	}
	bins := reference.Bins()
	if bins == 0 {
		return reference.Clone(), nil
	}
	rhs := mat.NewDense(len(samples), arraysPerHistogram*bins, nil)
	for i, s := range samples {
		h, ok := s.Collection.Get(name)
		if !ok || h.Bins() != bins {
			return nil, nil
		}
		for a, values := range h.Arrays() {
			for b, v := range values {
				rhs.Set(i, a*bins+b, v)
			}
		}
	}
	var weights mat.Dense
	if err := lu.SolveTo(&weights, false, rhs); err != nil {
		return nil, errors.Wrapf(err, "solving rbf system for %s", name)
	}
	var values mat.Dense
	values.Mul(at, &weights)

	out := histogram.NewHistogram(name, bins)
	for a, dst := range out.Arrays() {
		for b := range dst {
			dst[b] = values.At(0, a*bins+b)
		}
	}
	for k, v := range reference.Meta {
		out.Meta[k] = v
	}
	return out, nil
}

func nearestSample(points [][]float64, target []float64) int {
	best, bestDistance := 0, math.Inf(1)
	for i, p := range points {
		if d := floats.Distance(p, target, 2); d < bestDistance {
			best, bestDistance = i, d
		}
	}
	return best
}
