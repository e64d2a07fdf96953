package lqcontext

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultLogger = logrus.NewEntry(logrus.New()).WithField("foo", "bar")

func TestNew(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	require.Equal(t, defaultLogger, ctx.Log)
	require.Equal(t, context.Background(), ctx.Context)
}

func TestBackground(t *testing.T) {
	ctx := Background()
	require.Equal(t, ctx.Context, context.Background())
}

func TestFromContext(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	assert.Same(t, ctx, FromContext(ctx))

	wrapped := FromContext(context.TODO())
	assert.Equal(t, context.TODO(), wrapped.Context)
	assert.NotNil(t, wrapped.Log)
}

func TestWithLogField(t *testing.T) {
	ctx := WithLogField(Background(), "jobId", "01h")
	require.Equal(t, context.Background(), ctx.Context)
	require.Equal(t, logrus.Fields{"jobId": "01h"}, ctx.Log.Data)
}

func TestWithLogFields(t *testing.T) {
	ctx := WithLogFields(Background(), logrus.Fields{"jobId": "01h", "agentId": "a1"})
	require.Equal(t, logrus.Fields{"jobId": "01h", "agentId": "a1"}, ctx.Log.Data)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 100*time.Millisecond)
	defer cancel()
	testDeadline(t, ctx)
}

func TestWithDeadline(t *testing.T) {
	ctx, cancel := WithDeadline(Background(), time.Now().Add(100*time.Millisecond))
	defer cancel()
	testDeadline(t, ctx)
}

func TestWithValue(t *testing.T) {
	ctx := WithValue(Background(), "foo", "bar")
	require.Equal(t, "bar", ctx.Value("foo"))
}

func TestErrGroup(t *testing.T) {
	g, ctx := ErrGroup(Background())
	g.Go(func() error { return context.Canceled })
	require.ErrorIs(t, g.Wait(), context.Canceled)
	<-ctx.Done()
}

func testDeadline(t *testing.T, c *Context) {
	t.Helper()
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case <-timer.C:
		t.Fatalf("context not timed out")
	case <-c.Done():
	}
	assert.Equal(t, context.DeadlineExceeded, c.Err())
}
