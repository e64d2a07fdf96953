package histogram

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIntermediate(name string, sumW ...float64) *Intermediate {
	xLow := make([]float64, len(sumW))
	xHigh := make([]float64, len(sumW))
	for i := range sumW {
		xLow[i] = float64(i)
		xHigh[i] = float64(i + 1)
	}
	im := NewIntermediate(name, xLow, xHigh)
	for i, w := range sumW {
		im.SumW[i] = w
		im.SumW2[i] = w
		im.SumWX[i] = w * (float64(i) + 0.25)
		im.SumWX2[i] = w * (float64(i) + 0.25) * (float64(i) + 0.25)
		im.Entries[i] = w
	}
	return im
}

func TestIntermediate_Add(t *testing.T) {
	a := testIntermediate("H1", 1, 2, 3)
	b := testIntermediate("H1", 10, 20, 30)
	require.NoError(t, a.Add(b))
	assert.Equal(t, []float64{11, 22, 33}, a.SumW)
	assert.Equal(t, []float64{11, 22, 33}, a.Entries)
	assert.Equal(t, []float64{10, 20, 30}, b.SumW)
}

func TestIntermediate_AddBinMismatch(t *testing.T) {
	tests := map[string]*Intermediate{
		"different bin count": testIntermediate("H1", 1, 2),
		"different edges":     NewIntermediate("H1", []float64{0, 1.5, 2}, []float64{1.5, 2, 3}),
	}
	for name, other := range tests {
		t.Run(name, func(t *testing.T) {
			a := testIntermediate("H1", 1, 2, 3)
			err := a.Add(other)
			assert.ErrorIs(t, err, ErrBinMismatch)
			assert.Equal(t, []float64{1, 2, 3}, a.SumW)
		})
	}
}

func TestIntermediate_AddIsCommutative(t *testing.T) {
	a, b, c := testIntermediate("H1", 1, 2), testIntermediate("H1", 3, 5), testIntermediate("H1", 7, 11)

	left := a.Clone()
	require.NoError(t, left.Add(b))
	require.NoError(t, left.Add(c))

	right := c.Clone()
	require.NoError(t, right.Add(a))
	require.NoError(t, right.Add(b))

	assert.Equal(t, left, right)
}

func TestIntermediate_Validate(t *testing.T) {
	tests := map[string]struct {
		intermediate *Intermediate
		valid        bool
	}{
		"valid": {intermediate: testIntermediate("H1", 1, 2), valid: true},
		"no name": {intermediate: testIntermediate("", 1)},
		"short array": {
			intermediate: func() *Intermediate {
				im := testIntermediate("H1", 1, 2)
				im.SumW2 = im.SumW2[:1]
				return im
			}(),
		},
		"zero width": {intermediate: NewIntermediate("H1", []float64{1}, []float64{1})},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.intermediate.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestIntermediate_Finalise(t *testing.T) {
	im := NewIntermediate("H1", []float64{0, 2}, []float64{2, 3})
	im.Fill(0.5, 1)
	im.Fill(1.5, 1)
	im.Fill(1.5, 2)
	im.Fill(7, 1) // outside

	h := im.Finalise(10)
	assert.Equal(t, "H1", h.Name)
	assert.Equal(t, 2, h.Bins())
	assert.InDelta(t, 4.0/(2*10), h.Y[0], 1e-12)
	assert.InDelta(t, math.Sqrt(6)/(2*10), h.YErrPlus[0], 1e-12)
	assert.Equal(t, h.YErrPlus, h.YErrMinus)
	assert.InDelta(t, (0.5+1.5+3)/4, h.X[0], 1e-12)
	assert.InDelta(t, h.X[0]-0, h.XErrMinus[0], 1e-12)
	assert.InDelta(t, 2-h.X[0], h.XErrPlus[0], 1e-12)

	// Empty bin: density zero, x at the centre.
	assert.Equal(t, 0.0, h.Y[1])
	assert.Equal(t, 2.5, h.X[1])
	assert.Equal(t, 0.5, h.XErrPlus[1])
}

func TestIntermediate_FinaliseNoEvents(t *testing.T) {
	h := testIntermediate("H1", 1, 2).Finalise(0)
	assert.Equal(t, []float64{0, 0}, h.Y)
}

func TestIntermediateCollection_JSON(t *testing.T) {
	c := NewIntermediateCollection(testIntermediate("H1", 1, 2), testIntermediate("H2", 3))
	data, err := json.Marshal(c)
	require.NoError(t, err)

	var decoded IntermediateCollection
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []string{"H1", "H2"}, decoded.Names())
	h1, ok := decoded.Get("H1")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2}, h1.SumW)

	err = json.Unmarshal([]byte(`[{"name":"H1"},{"name":"H1"}]`), &decoded)
	assert.Error(t, err)
}

func TestIntermediateCollection_Remove(t *testing.T) {
	c := NewIntermediateCollection(testIntermediate("H1", 1), testIntermediate("H2", 1), testIntermediate("H3", 1))
	c.Remove("H1")
	c.Remove("missing")
	assert.Equal(t, []string{"H2", "H3"}, c.Names())
	h3, ok := c.Get("H3")
	require.True(t, ok)
	assert.Equal(t, "H3", h3.Name)
}

func TestCollection_Filter(t *testing.T) {
	c := NewCollection(NewHistogram("H1", 1), NewHistogram("H2", 2), NewHistogram("H3", 3))
	assert.Equal(t, []string{"H3", "H1"}, c.Filter([]string{"H3", "missing", "H1"}).Names())
	assert.Equal(t, []string{"H1", "H2", "H3"}, c.Filter(nil).Names())

	c.Add(NewHistogram("H2", 5))
	h2, ok := c.Get("H2")
	require.True(t, ok)
	assert.Equal(t, 5, h2.Bins())
	assert.Equal(t, 3, c.Len())
}

func testCollection() *Collection {
	h1 := NewHistogram("/ALEPH_1996_S3486095/d01-x01-y01", 3)
	for i := 0; i < 3; i++ {
		h1.Y[i] = float64(i) * 1.5
		h1.YErrPlus[i] = 0.1 * float64(i)
		h1.YErrMinus[i] = 0.2 * float64(i)
		h1.X[i] = float64(i) + 0.5
		h1.XErrPlus[i] = 0.5
		h1.XErrMinus[i] = 0.5
	}
	h1.Meta["title"] = "Thrust"
	h2 := NewHistogram("H2", 1)
	h2.Y[0] = math.Copysign(0, -1)
	h2.X[0] = math.Inf(1)
	return NewCollection(h1, h2, NewHistogram("empty", 0))
}

func TestPackUnpack(t *testing.T) {
	tests := map[string]Options{
		"raw":                 {},
		"compressed":          {Compress: true},
		"encoded":             {Encode: true},
		"compressed, encoded": {Compress: true, Encode: true},
	}
	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			original := testCollection()
			data, err := Pack(original, opts)
			require.NoError(t, err)

			unpacked, err := Unpack(data, opts)
			require.NoError(t, err)
			require.Equal(t, original.Names(), unpacked.Names())
			for _, h := range original.Histograms() {
				u, ok := unpacked.Get(h.Name)
				require.True(t, ok)
				assert.Equal(t, h.Meta, u.Meta)
				for a, arr := range h.Arrays() {
					for b := range arr {
						assert.Equal(t, math.Float64bits(arr[b]), math.Float64bits(u.Arrays()[a][b]))
					}
				}
			}
		})
	}
}

func TestPack_Layout(t *testing.T) {
	h := NewHistogram("H", 1)
	h.Y[0] = 1
	data, err := Pack(NewCollection(h), Options{})
	require.NoError(t, err)

	meta := `{"bins":1,"name":"H","meta":{}}`
	require.Len(t, data, 1+4+1+4+4+48+len(meta))
	assert.Equal(t, []byte{1, 1, 0, 0, 0}, data[:5])
	assert.Equal(t, []byte{1, 48, 0, 0, 0, byte(len(meta)), 0, 0, 0}, data[5:14])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0xf0, 0x3f}, data[14:22])
	assert.Equal(t, meta, string(data[14+48:]))
}

func TestUnpack_WrongOptions(t *testing.T) {
	data, err := Pack(testCollection(), Options{Compress: true})
	require.NoError(t, err)
	_, err = Unpack(data, Options{})
	assert.Error(t, err)
}

func TestUnpack_Corrupt(t *testing.T) {
	data, err := Pack(testCollection(), Options{})
	require.NoError(t, err)

	tests := map[string][]byte{
		"empty":          {},
		"bad version":    append([]byte{2}, data[1:]...),
		"truncated":      data[:len(data)-3],
		"trailing bytes": append(append([]byte{}, data...), 0),
	}
	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Unpack(corrupt, Options{})
			assert.Error(t, err)
		})
	}
}

func TestCollection_Clone(t *testing.T) {
	original := testCollection()
	clone := original.Clone()
	h, _ := clone.Get("H2")
	h.Y[0] = 42
	assert.Empty(t, cmp.Diff(testCollection().Names(), clone.Names()))
	orig, _ := original.Get("H2")
	assert.NotEqual(t, 42.0, orig.Y[0])
}
