package merger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/liveq/jobmanager/internal/common/lqerrors"
	"github.com/liveq/jobmanager/internal/jobmanager/histogram"
)

var (
	edgesLow   = []float64{0, 1, 2}
	edgesHigh  = []float64{1, 2, 3}
	otherLow   = []float64{0, 1.5}
	otherHigh  = []float64{1.5, 3}
	testNow    = time.Date(2022, 10, 1, 12, 0, 0, 0, time.UTC)
	defaultSel = []string{}
)

func intermediate(name string, low, high []float64, xs ...float64) *histogram.Intermediate {
	i := histogram.NewIntermediate(name, low, high)
	for _, x := range xs {
		i.Fill(x, 1)
	}
	return i
}

func frame(agent string, seq int64, events int, items ...*histogram.Intermediate) *Frame {
	return &Frame{
		JobId:      "job",
		AgentId:    agent,
		Seq:        seq,
		Events:     events,
		Collection: histogram.NewIntermediateCollection(items...),
	}
}

func newMerger(maxQueued int) (*Merger, *clock.FakeClock) {
	clk := clock.NewFakeClock(testNow)
	return New(maxQueued, clk), clk
}

func TestMerger_MergesAcrossAgents(t *testing.T) {
	m, _ := newMerger(10)
	m.Open("job", defaultSel)

	_, err := m.Offer(frame("a", 1, 100, intermediate("H1", edgesLow, edgesHigh, 0.5, 1.5)))
	require.NoError(t, err)
	_, err = m.Offer(frame("b", 1, 50, intermediate("H1", edgesLow, edgesHigh, 2.5)))
	require.NoError(t, err)

	collection, events, err := m.Snapshot("job")
	require.NoError(t, err)
	assert.Equal(t, 150, events)
	h, ok := collection.Get("H1")
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{1.0 / 150, 1.0 / 150, 1.0 / 150}, h.Y, 1e-12)
	assert.Equal(t, []string{"a", "b"}, m.Agents("job"))
}

func TestMerger_DuplicateFrameIsIgnored(t *testing.T) {
	m, _ := newMerger(10)
	m.Open("job", defaultSel)

	result, err := m.Offer(frame("a", 1, 100, intermediate("H1", edgesLow, edgesHigh, 0.5)))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	before, beforeEvents, err := m.Snapshot("job")
	require.NoError(t, err)

	result, err = m.Offer(frame("a", 1, 100, intermediate("H1", edgesLow, edgesHigh, 0.5)))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	after, afterEvents, err := m.Snapshot("job")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, beforeEvents, afterEvents)

	// Same seq from another agent is a different frame.
	result, err = m.Offer(frame("b", 1, 100, intermediate("H1", edgesLow, edgesHigh, 0.5)))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
}

func TestMerger_BinMismatchDropsOnlyThatHistogram(t *testing.T) {
	m, _ := newMerger(10)
	m.Open("job", defaultSel)

	_, err := m.Offer(frame("a", 1, 100,
		intermediate("H1", edgesLow, edgesHigh, 0.5),
		intermediate("H2", edgesLow, edgesHigh, 0.5)))
	require.NoError(t, err)
	_, err = m.Offer(frame("b", 1, 100,
		intermediate("H1", otherLow, otherHigh, 0.5),
		intermediate("H2", edgesLow, edgesHigh, 1.5)))
	require.NoError(t, err)

	mismatches, err := m.Flush("job")
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "b", mismatches[0].AgentId)
	assert.Equal(t, "H1", mismatches[0].Histogram)
	assert.ErrorIs(t, mismatches[0].Err, histogram.ErrBinMismatch)

	collection, events, err := m.Snapshot("job")
	require.NoError(t, err)
	assert.Equal(t, 200, events)
	h1, _ := collection.Get("H1")
	h2, _ := collection.Get("H2")
	assert.Equal(t, 3, h1.Bins())
	// H1 only carries agent a, so it is normalised by a's 100 events.
	assert.InDeltaSlice(t, []float64{1.0 / 100, 0, 0}, h1.Y, 1e-12)
	assert.InDeltaSlice(t, []float64{1.0 / 200, 1.0 / 200, 0}, h2.Y, 1e-12)
}

func TestMerger_Backpressure(t *testing.T) {
	m, _ := newMerger(2)
	m.Open("job", defaultSel)

	for seq := int64(1); seq <= 5; seq++ {
		_, err := m.Offer(frame("a", seq, 10, intermediate("H1", edgesLow, edgesHigh, 0.5)))
		require.NoError(t, err)
		progress, ok := m.Progress("job")
		require.True(t, ok)
		assert.LessOrEqual(t, progress.Queued, 2)
	}
	assert.Equal(t, 2, m.QueuedFrames())

	// A mismatching frame coalesced early is reported by Offer.
	_, err := m.Offer(frame("b", 1, 10, intermediate("H1", otherLow, otherHigh, 0.5)))
	require.NoError(t, err)
	_, err = m.Offer(frame("b", 2, 10, intermediate("H1", edgesLow, edgesHigh, 0.5)))
	require.NoError(t, err)
	result, err := m.Offer(frame("b", 3, 10, intermediate("H1", edgesLow, edgesHigh, 0.5)))
	require.NoError(t, err)
	require.Len(t, result.Mismatches, 1)
	assert.Equal(t, int64(1), result.Mismatches[0].Seq)

	_, events, err := m.Snapshot("job")
	require.NoError(t, err)
	assert.Equal(t, 80, events)
}

func TestMerger_Selection(t *testing.T) {
	m, _ := newMerger(10)
	m.Open("job", []string{"H2"})
	_, err := m.Offer(frame("a", 1, 10,
		intermediate("H1", edgesLow, edgesHigh, 0.5),
		intermediate("H2", edgesLow, edgesHigh, 0.5)))
	require.NoError(t, err)

	collection, _, err := m.Snapshot("job")
	require.NoError(t, err)
	assert.Equal(t, []string{"H2"}, collection.Names())
}

func TestMerger_InvalidIntermediateIsDropped(t *testing.T) {
	m, _ := newMerger(10)
	m.Open("job", defaultSel)
	broken := intermediate("H1", edgesLow, edgesHigh, 0.5)
	broken.SumW = broken.SumW[:1]
	_, err := m.Offer(frame("a", 1, 10, broken, intermediate("H2", edgesLow, edgesHigh, 0.5)))
	require.NoError(t, err)

	mismatches, err := m.Flush("job")
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "H1", mismatches[0].Histogram)
}

func TestMerger_Progress(t *testing.T) {
	m, clk := newMerger(10)
	m.Open("job", defaultSel)
	clk.Step(time.Second)
	_, err := m.Offer(frame("a", 1, 30, intermediate("H1", edgesLow, edgesHigh)))
	require.NoError(t, err)
	_, err = m.Offer(frame("a", 2, 20, intermediate("H1", edgesLow, edgesHigh)))
	require.NoError(t, err)
	_, err = m.Offer(frame("b", 1, 5, intermediate("H1", edgesLow, edgesHigh)))
	require.NoError(t, err)

	progress, ok := m.Progress("job")
	require.True(t, ok)
	assert.Equal(t, 55, progress.Events)
	assert.Equal(t, map[string]int{"a": 50, "b": 5}, progress.PerAgent)
	assert.Equal(t, testNow.Add(time.Second), progress.LastFrame)
	assert.Equal(t, 3, progress.Queued)
}

func TestMerger_UnknownJob(t *testing.T) {
	m, _ := newMerger(10)
	_, err := m.Offer(frame("a", 1, 10, intermediate("H1", edgesLow, edgesHigh)))
	assert.Equal(t, lqerrors.KindNotFound, lqerrors.KindFromError(err))
	_, err = m.Flush("job")
	assert.Error(t, err)
	_, _, err = m.Snapshot("job")
	assert.Error(t, err)
	_, ok := m.Progress("job")
	assert.False(t, ok)
}

func TestMerger_InvalidFrame(t *testing.T) {
	m, _ := newMerger(10)
	m.Open("job", defaultSel)
	tests := map[string]*Frame{
		"no collection":   {JobId: "job", AgentId: "a", Seq: 1, Events: 10},
		"negative events": frame("a", 1, -1, intermediate("H1", edgesLow, edgesHigh)),
	}
	for name, f := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := m.Offer(f)
			assert.Equal(t, lqerrors.KindProtocol, lqerrors.KindFromError(err))
		})
	}
}

func TestMerger_Close(t *testing.T) {
	m, _ := newMerger(10)
	m.Open("job", defaultSel)
	_, err := m.Offer(frame("a", 1, 10, intermediate("H1", edgesLow, edgesHigh)))
	require.NoError(t, err)
	assert.True(t, m.IsOpen("job"))
	assert.Equal(t, 1, m.Len())
	m.Close("job")
	assert.False(t, m.IsOpen("job"))
	assert.Equal(t, 0, m.QueuedFrames())
}
