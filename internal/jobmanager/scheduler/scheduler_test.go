package scheduler

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/fakeagent"
	"github.com/liveq/jobmanager/internal/jobmanager/agentdb"
	"github.com/liveq/jobmanager/internal/jobmanager/bus"
	"github.com/liveq/jobmanager/internal/jobmanager/histogram"
	"github.com/liveq/jobmanager/internal/jobmanager/interpolator"
	"github.com/liveq/jobmanager/internal/jobmanager/jobdb"
	"github.com/liveq/jobmanager/internal/jobmanager/jobevents"
	"github.com/liveq/jobmanager/internal/jobmanager/lab"
	"github.com/liveq/jobmanager/internal/jobmanager/merger"
	"github.com/liveq/jobmanager/internal/jobmanager/metrics"
	"github.com/liveq/jobmanager/internal/jobmanager/protocol"
	"github.com/liveq/jobmanager/internal/jobmanager/results"
	"github.com/liveq/jobmanager/internal/jobmanager/tune"
	"github.com/liveq/jobmanager/internal/jobmanager/workerpool"
)

const (
	owner   = "session-1"
	labId   = "lab-1"
	timeout = 10 * time.Second
)

var testLab = lab.Lab{
	Id:         labId,
	Parameters: []string{"a", "b"},
	Generator:  "pythia8",
	Histograms: []string{"/h1", "/h2"},
}

func testConfig() Config {
	return Config{
		TrustedChannels:         []string{"session-"},
		MinEvents:               10,
		DefaultEvents:           1000,
		MaxAgentsPerJob:         2,
		MaxRedistributionRounds: 2,
		RequestTimeout:          2 * time.Second,
		HeartbeatTimeout:        500 * time.Millisecond,
		DrainGrace:              300 * time.Millisecond,
		RecoveryGrace:           500 * time.Millisecond,
		PartialInterval:         20 * time.Millisecond,
		ScheduleDeadline:        time.Second,
		ReplacementGrace:        time.Second,
		PresenceTimeout:         5 * time.Second,
		TickInterval:            10 * time.Millisecond,
	}
}

// response is a message pushed to the owner's job-responses channel.
type response struct {
	action  string
	payload json.RawMessage
}

type harness struct {
	t         *testing.T
	ctx       *lqcontext.Context
	hub       *bus.InMemoryHub
	client    bus.Bus
	scheduler *Scheduler
	repo      *jobdb.InMemoryJobRepository
	agents    *agentdb.AgentDb
	cache     *interpolator.Cache
	fs        afero.Fs
	recorder  *jobevents.Recorder

	mu        sync.Mutex
	responses []response
}

func newHarness(t *testing.T, config Config) *harness {
	return newHarnessWithRepo(t, config, jobdb.NewInMemoryJobRepository())
}

func newHarnessWithRepo(t *testing.T, config Config, repo *jobdb.InMemoryJobRepository) *harness {
	return newHarnessWithFs(t, config, repo, afero.NewMemMapFs())
}

func newHarnessWithFs(t *testing.T, config Config, repo *jobdb.InMemoryJobRepository, fs afero.Fs) *harness {
	clk := clock.RealClock{}
	labs, err := lab.NewRegistry(testLab)
	require.NoError(t, err)
	quantisation := tune.NewQuantisationTable()
	agents, err := agentdb.NewAgentDb(agentdb.Config{
		FailureDelay:      50 * time.Millisecond,
		FailureLimit:      3,
		FailureRetryDelay: time.Second,
	}, clk)
	require.NoError(t, err)

	ctx, cancel := lqcontext.WithCancel(lqcontext.Background())
	hub := bus.NewInMemoryHub()
	h := &harness{
		t:        t,
		ctx:      ctx,
		hub:      hub,
		client:   bus.NewInMemoryBus(ctx, hub),
		repo:     repo,
		agents:   agents,
		cache:    interpolator.NewCache(interpolator.Config{}, labs, quantisation),
		fs:       fs,
		recorder: jobevents.NewRecorder(),
	}
	pool := workerpool.New(workerpool.Config{Workers: 2}, nil)
	managerBus := bus.NewInMemoryBus(ctx, hub)
	h.scheduler = New(
		config,
		managerBus,
		labs,
		quantisation,
		agents,
		repo,
		merger.New(8, clk),
		h.cache,
		pool,
		results.NewWriterFs(results.Config{Dir: "/results"}, h.fs),
		h.recorder,
		metrics.New(),
		clk,
	)

	responses := h.client.Channel(bus.JobResponsesChannel(owner))
	for _, action := range []string{bus.ActionJobData, bus.ActionJobCompleted, bus.ActionJobFailed, bus.ActionJobCancelled} {
		_, err := responses.Subscribe(action, func(_ *lqcontext.Context, msg *bus.Message) (any, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.responses = append(h.responses, response{action: msg.Action, payload: msg.Payload})
			return nil, nil
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, pool.Run(ctx))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, h.scheduler.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		_ = managerBus.Close()
		_ = h.client.Close()
		assert.NoError(t, h.recorder.Verify())
	})
	select {
	case <-h.scheduler.Ready():
	case <-time.After(timeout):
		t.Fatal("scheduler did not start")
	}
	return h
}

// addAgent starts a fake agent on its own bus connection.
func (h *harness) addAgent(id string, config fakeagent.Config) *fakeagent.Agent {
	config.Id = id
	config.Generator = testLab.Generator
	if config.FrameEvents == 0 {
		config.FrameEvents = 100
	}
	config.FrameInterval = 10 * time.Millisecond
	config.HeartbeatInterval = 50 * time.Millisecond
	config.PresenceInterval = time.Second
	agentBus := bus.NewInMemoryBus(h.ctx, h.hub)
	agent := fakeagent.New(config, agentBus, clock.RealClock{})
	ctx, cancel := lqcontext.WithCancel(h.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(h.t, agent.Run(ctx))
	}()
	h.t.Cleanup(func() {
		cancel()
		<-done
		_ = agentBus.Close()
	})
	require.Eventually(h.t, func() bool {
		_, ok := h.agents.Get(id)
		return ok
	}, timeout, 5*time.Millisecond)
	return agent
}

func (h *harness) request(action string, payload any) *bus.Message {
	msg, err := h.client.Channel(bus.JobsChannel).Request(h.ctx, action, payload, timeout)
	require.NoError(h.t, err)
	return msg
}

func (h *harness) submit(req *protocol.JobStart) protocol.JobStartReply {
	msg := h.request(bus.ActionJobStart, req)
	require.NoError(h.t, msg.Err())
	var reply protocol.JobStartReply
	require.NoError(h.t, msg.Decode(&reply))
	require.NotEmpty(h.t, reply.JobId)
	return reply
}

func jobStart(events int, parameters map[string]float64) *protocol.JobStart {
	return &protocol.JobStart{
		Lab:         labId,
		Parameters:  parameters,
		DataChannel: owner,
		Events:      &events,
	}
}

// await waits for the terminal message of jobId and returns its action and payload.
func (h *harness) await(jobId string) response {
	var terminal response
	require.Eventually(h.t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, r := range h.responses {
			if r.action == bus.ActionJobData {
				continue
			}
			var ref protocol.JobRef
			if json.Unmarshal(r.payload, &ref) == nil && ref.JobId == jobId {
				terminal = r
				return true
			}
		}
		return false
	}, timeout, 5*time.Millisecond, "no terminal message for job %s", jobId)
	return terminal
}

// count returns how many messages with action were pushed for jobId.
func (h *harness) count(jobId, action string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.responses {
		var ref protocol.JobRef
		if r.action == action && json.Unmarshal(r.payload, &ref) == nil && ref.JobId == jobId {
			n++
		}
	}
	return n
}

func (h *harness) stored(jobId string) *jobdb.Job {
	var job *jobdb.Job
	// Store writes run on the worker pool, after the terminal message may have gone out. Completed jobs are only
	// settled once their results were written or the write gave up.
	require.Eventually(h.t, func() bool {
		stored, err := h.repo.Get(h.ctx, jobId)
		if err != nil || !stored.State.Terminal() {
			return false
		}
		if stored.State == jobdb.Completed && stored.ResultsPath == "" && stored.Warning == "" {
			return false
		}
		job = stored
		return true
	}, timeout, 5*time.Millisecond)
	return job
}

func decodeCompleted(t *testing.T, r response) (protocol.JobCompleted, *histogram.Collection) {
	require.Equal(t, bus.ActionJobCompleted, r.action, string(r.payload))
	var completed protocol.JobCompleted
	require.NoError(t, json.Unmarshal(r.payload, &completed))
	collection, err := histogram.Unpack(completed.Collection, histogram.Options{})
	require.NoError(t, err)
	return completed, collection
}

func TestScheduler_CompletesJobAcrossAgents(t *testing.T) {
	h := newHarness(t, testConfig())
	a := h.addAgent("agent-a", fakeagent.Config{})
	b := h.addAgent("agent-b", fakeagent.Config{})

	msg := h.request(bus.ActionJobStart, jobStart(1000, map[string]float64{"a": 1, "b": 2}))
	require.NoError(t, msg.Err())
	var raw map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &raw))
	assert.Equal(t, "ok", raw["result"])
	assert.Equal(t, false, raw["queued"])
	var reply protocol.JobStartReply
	require.NoError(t, msg.Decode(&reply))
	require.NotEmpty(t, reply.JobId)

	completed, collection := decodeCompleted(t, h.await(reply.JobId))
	assert.Equal(t, 1000, completed.Events)
	assert.False(t, completed.Cached)
	assert.ElementsMatch(t, testLab.Histograms, collection.Names())
	assert.Equal(t,
		[]jobdb.JobState{jobdb.Pending, jobdb.Scheduled, jobdb.Running, jobdb.Draining, jobdb.Completed},
		h.recorder.States(reply.JobId))

	generatedA, _ := a.Generated(reply.JobId)
	generatedB, _ := b.Generated(reply.JobId)
	assert.Equal(t, 1000, generatedA+generatedB)

	job := h.stored(reply.JobId)
	assert.Equal(t, jobdb.Completed, job.State)
	assert.Equal(t, 1000, job.TotalEvents)
	assert.Equal(t, fmt.Sprintf("/results/job-%s.bin", reply.JobId), job.ResultsPath)
	exists, err := afero.Exists(h.fs, job.ResultsPath)
	require.NoError(t, err)
	assert.True(t, exists)

	for _, id := range []string{"agent-a", "agent-b"} {
		agent, ok := h.agents.Get(id)
		require.True(t, ok)
		assert.Empty(t, agent.Jobs)
	}
}

func TestScheduler_CompletesWithWarningWhenResultsCannotBeWritten(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(func() { logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks)) })
	h := newHarnessWithFs(t, testConfig(), jobdb.NewInMemoryJobRepository(), afero.NewReadOnlyFs(afero.NewMemMapFs()))
	h.addAgent("agent-a", fakeagent.Config{})

	reply := h.submit(jobStart(300, map[string]float64{"a": 1}))
	completed, _ := decodeCompleted(t, h.await(reply.JobId))
	assert.Equal(t, 300, completed.Events)

	job := h.stored(reply.JobId)
	assert.Equal(t, jobdb.Completed, job.State)
	assert.Empty(t, job.ResultsPath)
	assert.Equal(t, "results could not be saved", job.Warning)
	assert.Equal(t, 1, h.count(reply.JobId, bus.ActionJobCompleted))

	require.Eventually(t, func() bool {
		for _, entry := range hook.AllEntries() {
			if entry.Message == "Completing job without persisted results" {
				return entry.Level == logrus.ErrorLevel
			}
		}
		return false
	}, timeout, 5*time.Millisecond)
}

func TestScheduler_DropsFramesWithOtherBinning(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addAgent("agent-a", fakeagent.Config{Bins: 20})
	h.addAgent("agent-b", fakeagent.Config{Bins: 20, HistogramBins: map[string]int{"/h1": 7}})

	reply := h.submit(jobStart(1000, map[string]float64{"a": 1, "b": 2}))
	completed, collection := decodeCompleted(t, h.await(reply.JobId))
	assert.Equal(t, 1000, completed.Events)

	h2, ok := collection.Get("/h2")
	require.True(t, ok)
	assert.Equal(t, 20, h2.Bins())

	// Whichever agent's /h1 arrived first fixes its binning. The other agent's /h1 frames are dropped, and the
	// surviving density still integrates to one because it is normalised by the surviving agent's events only.
	h1, ok := collection.Get("/h1")
	require.True(t, ok)
	assert.Contains(t, []int{7, 20}, h1.Bins())
	for name, hist := range map[string]*histogram.Histogram{"/h1": h1, "/h2": h2} {
		integral := 0.0
		for b := range hist.Y {
			integral += hist.Y[b] * (hist.XErrMinus[b] + hist.XErrPlus[b])
		}
		assert.InDelta(t, 1.0, integral, 0.02, name)
	}
}

func TestScheduler_AnswersRepeatedTuneFromCache(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addAgent("agent-a", fakeagent.Config{})
	parameters := map[string]float64{"a": 1, "b": 2}

	first := h.submit(jobStart(500, parameters))
	_, firstCollection := decodeCompleted(t, h.await(first.JobId))

	second := h.submit(jobStart(500, parameters))
	assert.True(t, second.Cached)
	assert.False(t, second.Queued)
	completed, collection := decodeCompleted(t, h.await(second.JobId))
	assert.True(t, completed.Cached)
	assert.Equal(t, 500, completed.Events)
	assert.Equal(t, firstCollection.Names(), collection.Names())
	assert.Equal(t, []jobdb.JobState{jobdb.Pending, jobdb.Completed}, h.recorder.States(second.JobId))
}

func TestScheduler_CancelRunningJob(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addAgent("agent-a", fakeagent.Config{FrameEvents: 10})

	reply := h.submit(jobStart(1_000_000, map[string]float64{"a": 1}))
	require.Eventually(t, func() bool {
		return h.count(reply.JobId, bus.ActionJobData) > 0
	}, timeout, 5*time.Millisecond)

	msg := h.request(bus.ActionJobCancel, &protocol.JobRef{JobId: reply.JobId})
	require.NoError(t, msg.Err())

	terminal := h.await(reply.JobId)
	assert.Equal(t, bus.ActionJobCancelled, terminal.action)
	states := h.recorder.States(reply.JobId)
	assert.Equal(t, jobdb.Draining, states[len(states)-2])
	assert.Equal(t, jobdb.Cancelled, states[len(states)-1])
	assert.Equal(t, jobdb.Cancelled, h.stored(reply.JobId).State)

	// Cancelling again is harmless.
	msg = h.request(bus.ActionJobCancel, &protocol.JobRef{JobId: reply.JobId})
	assert.NoError(t, msg.Err())
	assert.Equal(t, 1, h.count(reply.JobId, bus.ActionJobCancelled))
}

func TestScheduler_CancelPendingJob(t *testing.T) {
	h := newHarness(t, testConfig())
	reply := h.submit(jobStart(1000, nil))
	assert.True(t, reply.Queued)

	msg := h.request(bus.ActionJobCancel, &protocol.JobRef{JobId: reply.JobId})
	require.NoError(t, msg.Err())
	assert.Equal(t, bus.ActionJobCancelled, h.await(reply.JobId).action)
	assert.Equal(t, []jobdb.JobState{jobdb.Pending, jobdb.Cancelled}, h.recorder.States(reply.JobId))
}

func TestScheduler_RedistributesShareOfFailedAgent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addAgent("agent-a", fakeagent.Config{FailAfterEvents: 200})
	h.addAgent("agent-b", fakeagent.Config{})

	reply := h.submit(jobStart(1000, map[string]float64{"a": 1}))
	completed, _ := decodeCompleted(t, h.await(reply.JobId))
	assert.Equal(t, 1000, completed.Events)

	failed, ok := h.agents.Get("agent-a")
	require.True(t, ok)
	assert.GreaterOrEqual(t, failed.ConsecutiveFailures, 1)
	healthy, ok := h.agents.Get("agent-b")
	require.True(t, ok)
	assert.Equal(t, 0, healthy.ConsecutiveFailures)
}

func TestScheduler_HeartbeatTimeout(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addAgent("agent-a", fakeagent.Config{StallAfterEvents: 100})
	h.addAgent("agent-b", fakeagent.Config{})

	reply := h.submit(jobStart(1000, map[string]float64{"a": 1}))
	completed, _ := decodeCompleted(t, h.await(reply.JobId))
	assert.Equal(t, 1000, completed.Events)

	stalled, ok := h.agents.Get("agent-a")
	require.True(t, ok)
	assert.Equal(t, 1, stalled.ConsecutiveFailures)
}

func TestScheduler_AcceptsShortfallAfterLastRound(t *testing.T) {
	config := testConfig()
	config.MaxAgentsPerJob = 1
	config.MaxRedistributionRounds = 0
	h := newHarness(t, config)
	h.addAgent("agent-a", fakeagent.Config{FailAfterEvents: 300})

	reply := h.submit(jobStart(1000, map[string]float64{"a": 1}))
	completed, _ := decodeCompleted(t, h.await(reply.JobId))
	assert.GreaterOrEqual(t, completed.Events, 100)
	assert.Less(t, completed.Events, 1000)
}

func TestScheduler_RequeuesWhenNoAgentAccepts(t *testing.T) {
	config := testConfig()
	config.ScheduleDeadline = 300 * time.Millisecond
	h := newHarness(t, config)
	h.addAgent("agent-a", fakeagent.Config{RejectRuns: true})

	reply := h.submit(jobStart(1000, map[string]float64{"a": 1}))
	require.Eventually(t, func() bool {
		states := h.recorder.States(reply.JobId)
		return len(states) >= 3 && states[1] == jobdb.Scheduled && states[2] == jobdb.Pending
	}, timeout, 5*time.Millisecond)

	rejecting, ok := h.agents.Get("agent-a")
	require.True(t, ok)
	assert.Greater(t, rejecting.ConsecutiveFailures, 0)

	msg := h.request(bus.ActionJobCancel, &protocol.JobRef{JobId: reply.JobId})
	require.NoError(t, msg.Err())
	assert.Equal(t, bus.ActionJobCancelled, h.await(reply.JobId).action)
}

func TestScheduler_QueuesUntilAgentArrives(t *testing.T) {
	h := newHarness(t, testConfig())
	reply := h.submit(jobStart(500, map[string]float64{"a": 1}))
	assert.True(t, reply.Queued)

	msg := h.request(bus.ActionJobStatus, &protocol.JobRef{JobId: reply.JobId})
	require.NoError(t, msg.Err())
	var status protocol.JobStatusReply
	require.NoError(t, msg.Decode(&status))
	assert.Equal(t, jobdb.Pending.String(), status.State)
	assert.Equal(t, 500, status.Events)

	h.addAgent("agent-a", fakeagent.Config{})
	completed, _ := decodeCompleted(t, h.await(reply.JobId))
	assert.Equal(t, 500, completed.Events)

	msg = h.request(bus.ActionJobStatus, &protocol.JobRef{JobId: reply.JobId})
	require.NoError(t, msg.Err())
	require.NoError(t, msg.Decode(&status))
	assert.Equal(t, jobdb.Completed.String(), status.State)
	assert.Equal(t, 500, status.TotalEvents)
}

func TestScheduler_SendsPartialResults(t *testing.T) {
	h := newHarness(t, testConfig())
	h.addAgent("agent-a", fakeagent.Config{FrameEvents: 10})

	reply := h.submit(jobStart(2000, map[string]float64{"a": 1}))
	decodeCompleted(t, h.await(reply.JobId))

	h.mu.Lock()
	defer h.mu.Unlock()
	last := 0
	partials := 0
	for _, r := range h.responses {
		if r.action != bus.ActionJobData {
			continue
		}
		var data protocol.JobData
		require.NoError(t, json.Unmarshal(r.payload, &data))
		if data.JobId != reply.JobId || data.Interpolated {
			continue
		}
		partials++
		assert.Greater(t, data.Events, last, "partials report growing event counts")
		last = data.Events
	}
	assert.Greater(t, partials, 0)
}

func TestScheduler_RejectsSubmissions(t *testing.T) {
	h := newHarness(t, testConfig())
	tests := map[string]struct {
		req      *protocol.JobStart
		contains string
	}{
		"untrusted channel": {
			req:      &protocol.JobStart{Lab: labId, DataChannel: "evil-1"},
			contains: "untrusted-channel",
		},
		"channel with subject separator": {
			req:      &protocol.JobStart{Lab: labId, DataChannel: "session-1.b"},
			contains: "invalid-channel",
		},
		"empty channel": {
			req:      &protocol.JobStart{Lab: labId},
			contains: "empty-channel",
		},
		"too few events": {
			req:      jobStart(5, nil),
			contains: "too-few-events",
		},
		"one event below minimum": {
			req:      jobStart(9, nil),
			contains: "too-few-events",
		},
		"unknown lab": {
			req:      &protocol.JobStart{Lab: "nope", DataChannel: owner},
			contains: "unknown-lab",
		},
		"unknown parameter": {
			req:      jobStart(100, map[string]float64{"z": 1}),
			contains: "not exposed",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			msg := h.request(bus.ActionJobStart, tc.req)
			var reply lqerrors.Reply
			require.NoError(t, msg.Decode(&reply))
			assert.Equal(t, lqerrors.ResultError, reply.Result)
			assert.Contains(t, reply.Error, tc.contains)
		})
	}
	assert.Empty(t, h.recorder.Events())
}

func TestScheduler_StatusOfUnknownJob(t *testing.T) {
	h := newHarness(t, testConfig())
	msg := h.request(bus.ActionJobStatus, &protocol.JobRef{JobId: "missing"})
	assert.Error(t, msg.Err())
	msg = h.request(bus.ActionJobCancel, &protocol.JobRef{JobId: "missing"})
	assert.Error(t, msg.Err())
}

func TestScheduler_RecoversJobsAfterRestart(t *testing.T) {
	repo := jobdb.NewInMemoryJobRepository()
	now := time.Now()
	pending := &jobdb.Job{
		Id: "pending", Lab: labId, Team: "default", Parameters: map[string]float64{"a": 1}, Owner: owner,
		Events: 300, State: jobdb.Pending, Created: now, Updated: now, Histograms: testLab.Histograms,
	}
	orphaned := &jobdb.Job{
		Id: "orphaned", Lab: labId, Team: "default", Parameters: map[string]float64{"a": 2}, Owner: owner,
		Events: 300, State: jobdb.Running, Created: now, Updated: now, Histograms: testLab.Histograms,
		Agents: []string{"ghost"},
	}
	for _, job := range []*jobdb.Job{pending, orphaned} {
		require.NoError(t, repo.Create(lqcontext.Background(), job))
	}

	h := newHarnessWithRepo(t, testConfig(), repo)

	terminal := h.await("orphaned")
	require.Equal(t, bus.ActionJobFailed, terminal.action)
	var failed protocol.JobFailed
	require.NoError(t, json.Unmarshal(terminal.payload, &failed))
	assert.Contains(t, failed.Error, "did not return")

	h.addAgent("agent-a", fakeagent.Config{})
	completed, _ := decodeCompleted(t, h.await("pending"))
	assert.Equal(t, 300, completed.Events)
}

func TestScheduler_AdoptsAgentsAfterRestart(t *testing.T) {
	repo := jobdb.NewInMemoryJobRepository()
	now := time.Now()
	running := &jobdb.Job{
		Id: "running", Lab: labId, Team: "default", Parameters: map[string]float64{"a": 1}, Owner: owner,
		Events: 300, State: jobdb.Running, Created: now, Updated: now, Histograms: testLab.Histograms,
		Agents: []string{"agent-a"},
	}
	require.NoError(t, repo.Create(lqcontext.Background(), running))
	config := testConfig()
	config.RecoveryGrace = 5 * time.Second
	h := newHarnessWithRepo(t, config, repo)
	h.addAgent("agent-a", fakeagent.Config{})

	// The agent claims the job in its presence and is adopted. It never received a run from this job manager, so it
	// sends no heartbeats for the job; once the heartbeat timeout fails it, the job is handed to it again.
	err := h.client.Channel(bus.AgentsChannel).Send(h.ctx, bus.ActionPresence, &protocol.Presence{
		Agent:     "agent-a",
		Generator: testLab.Generator,
		Slots:     1,
		Jobs:      []string{"running"},
	})
	require.NoError(t, err)

	completed, _ := decodeCompleted(t, h.await("running"))
	assert.Equal(t, 300, completed.Events)
	assert.Equal(t, []jobdb.JobState{jobdb.Draining, jobdb.Completed}, h.recorder.States("running"))

	// One failure for the adopted assignment, then a completed run that cleared it.
	agent, ok := h.agents.Get("agent-a")
	require.True(t, ok)
	assert.Equal(t, 0, agent.ConsecutiveFailures)
	assert.Equal(t, 1, agent.TotalCompleted)
}

func TestScheduler_Admit(t *testing.T) {
	labs, err := lab.NewRegistry(testLab)
	require.NoError(t, err)
	s := &Scheduler{config: testConfig().withDefaults(), labs: labs, clock: clock.RealClock{}}

	tests := map[string]struct {
		req        *protocol.JobStart
		events     int
		team       string
		histograms []string
	}{
		"defaults": {
			req:        &protocol.JobStart{Lab: labId, DataChannel: owner},
			events:     1000,
			team:       DefaultTeam,
			histograms: testLab.Histograms,
		},
		"explicit": {
			req: &protocol.JobStart{
				Lab: labId, DataChannel: owner, Team: "physics", Histograms: []string{"/h2"},
				Parameters: map[string]float64{"a": 0.5},
			},
			events:     1000,
			team:       "physics",
			histograms: []string{"/h2"},
		},
		"minimum events": {
			req:        jobStart(10, nil),
			events:     10,
			team:       DefaultTeam,
			histograms: testLab.Histograms,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			job, l, err := s.admit(tc.req)
			require.NoError(t, err)
			assert.Equal(t, labId, l.Id)
			assert.Equal(t, jobdb.Pending, job.State)
			assert.Equal(t, tc.events, job.Events)
			assert.Equal(t, tc.team, job.Team)
			assert.Equal(t, tc.histograms, job.Histograms)
			assert.Equal(t, owner, job.Owner)
			assert.NotEmpty(t, job.Id)
		})
	}
}
