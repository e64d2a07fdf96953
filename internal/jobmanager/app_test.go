package jobmanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveq/jobmanager/internal/common"
	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/jobmanager/configuration"
	"github.com/liveq/jobmanager/internal/jobmanager/jobdb"
	"github.com/liveq/jobmanager/internal/jobmanager/jobevents"
	"github.com/liveq/jobmanager/internal/jobmanager/lab"
	"github.com/liveq/jobmanager/internal/jobmanager/tune"
)

func TestTuningOptions(t *testing.T) {
	labs := []lab.Lab{
		{Id: "a", Parameters: []string{"TimeShower:alphaSvalue", "StringZ:aLund"}},
		{Id: "b", Parameters: []string{"TimeShower:pTmin"}},
	}
	tests := map[string]struct {
		tuning   map[string]float64
		expected map[string]float64
	}{
		"defaults are kept": {
			tuning:   map[string]float64{"round-default": 0.5, "decimals-default": 3},
			expected: map[string]float64{"round-default": 0.5, "decimals-default": 3},
		},
		"lowercased parameters are restored": {
			tuning: map[string]float64{
				"round-timeshower:alphasvalue": 0.01,
				"decimals-stringz:alund":       1,
				"round-timeshower:ptmin":       0.1,
			},
			expected: map[string]float64{
				"round-TimeShower:alphaSvalue": 0.01,
				"decimals-StringZ:aLund":       1,
				"round-TimeShower:pTmin":       0.1,
			},
		},
		"unknown parameters are left alone": {
			tuning:   map[string]float64{"round-unknown": 2},
			expected: map[string]float64{"round-unknown": 2},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, TuningOptions(tc.tuning, labs))
		})
	}
}

func TestTuningOptions_BuildQuantisationTable(t *testing.T) {
	labs := []lab.Lab{{Id: "a", Parameters: []string{"TimeShower:alphaSvalue"}}}
	table, err := tune.QuantisationTableFromOptions(TuningOptions(map[string]float64{
		"round-default":                0.5,
		"round-timeshower:alphasvalue": 0.01,
	}, labs))
	require.NoError(t, err)
	assert.Equal(t, 0.01, table.PerParameter["TimeShower:alphaSvalue"].Round)
	assert.Equal(t, 0.5, table.Default.Round)
}

func TestSchedulerConfig(t *testing.T) {
	var config configuration.Configuration
	_, err := common.ReadConfig(&config, "../../config/jobmanager", nil)
	require.NoError(t, err)

	sc := SchedulerConfig(config)
	assert.Equal(t, []string{"session-", "web-"}, sc.TrustedChannels)
	assert.Equal(t, 1000, sc.MinEvents)
	assert.Equal(t, 100000, sc.DefaultEvents)
	assert.Equal(t, "default", sc.DefaultTeam)
	assert.Equal(t, 4, sc.MaxAgentsPerJob)
	assert.Equal(t, 2, sc.MaxRedistributionRounds)
	assert.Equal(t, 30*time.Second, sc.RequestTimeout)
	assert.Equal(t, 60*time.Second, sc.HeartbeatTimeout)
	assert.Equal(t, 30*time.Minute, sc.CancelledJobRetention)
	assert.False(t, sc.Packing.Compress)
}

func TestCreateJobRepository(t *testing.T) {
	tests := map[string]struct {
		config   configuration.StoreConfig
		expected any
		err      bool
	}{
		"memory": {
			config:   configuration.StoreConfig{Type: configuration.StoreMemory},
			expected: &jobdb.InMemoryJobRepository{},
		},
		"sqlite": {
			config:   configuration.StoreConfig{Type: configuration.StoreSqlite},
			expected: &jobdb.SqlJobRepository{},
		},
		"unknown": {
			config: configuration.StoreConfig{Type: "etcd"},
			err:    true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if tc.config.Type == configuration.StoreSqlite {
				tc.config.Sqlite.Path = filepath.Join(t.TempDir(), "jobs.db")
			}
			r, err := createJobRepository(context.Background(), tc.config)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer r.Close()
			assert.IsType(t, tc.expected, r)
			assert.NoError(t, r.Check())
		})
	}
}

func TestCreatePublisher(t *testing.T) {
	p, err := createPublisher(configuration.EventsConfig{Type: configuration.EventsNone})
	require.NoError(t, err)
	assert.IsType(t, jobevents.NoopPublisher{}, p)

	_, err = createPublisher(configuration.EventsConfig{Type: "kafka"})
	assert.Error(t, err)
}

func TestCreateBus(t *testing.T) {
	b, err := createBus(lqcontext.Background(), configuration.BusConfig{Type: configuration.BusMemory})
	require.NoError(t, err)
	assert.NoError(t, b.Check())
	assert.NoError(t, b.Close())

	_, err = createBus(lqcontext.Background(), configuration.BusConfig{Type: "amqp"})
	assert.Error(t, err)
}
