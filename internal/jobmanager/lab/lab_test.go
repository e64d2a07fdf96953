package lab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/jobmanager/tune"
)

func testRegistry(t *testing.T) *Registry {
	r, err := NewRegistry(
		Lab{Id: "L1", Parameters: []string{"b", "a"}, Generator: "pythia8", Version: "8.186", Beams: []string{"ee"}},
		Lab{Id: "L2", Parameters: []string{"x"}, Generator: "herwig"},
	)
	require.NoError(t, err)
	return r
}

func TestNewRegistry_Duplicate(t *testing.T) {
	_, err := NewRegistry(Lab{Id: "L1"}, Lab{Id: "L1"})
	assert.Equal(t, lqerrors.KindAlreadyExists, lqerrors.KindFromError(err))
}

func TestRegistry_Get(t *testing.T) {
	r := testRegistry(t)
	l, ok := r.Get("L1")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, l.Parameters)
	assert.Equal(t, 2, l.Dimensions())
	assert.Equal(t, Requirements{Generator: "pythia8", Version: "8.186", Beams: []string{"ee"}}, l.Requirements())
	assert.Equal(t, []string{"L1", "L2"}, r.Ids())

	_, ok = r.Get("L3")
	assert.False(t, ok)
}

func TestRegistry_ValidateTune(t *testing.T) {
	tests := map[string]struct {
		tune         tune.Tune
		expectedKind lqerrors.Kind
		expectError  bool
	}{
		"all parameters": {
			tune: tune.New("L1", map[string]float64{"a": 1, "b": 2}),
		},
		"subset of parameters": {
			tune: tune.New("L1", map[string]float64{"a": 1}),
		},
		"unknown lab": {
			tune:         tune.New("L3", map[string]float64{"a": 1}),
			expectError:  true,
			expectedKind: lqerrors.KindAdmission,
		},
		"parameter of another lab": {
			tune:         tune.New("L1", map[string]float64{"x": 1}),
			expectError:  true,
			expectedKind: lqerrors.KindInvalidArgument,
		},
	}
	r := testRegistry(t)
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			l, err := r.ValidateTune(tc.tune)
			if tc.expectError {
				assert.Equal(t, tc.expectedKind, lqerrors.KindFromError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.tune.Lab(), l.Id)
		})
	}
}
