package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure_Json(t *testing.T) {
	logger := log.New()
	var out bytes.Buffer
	require.NoError(t, configure(logger, &out, Config{Level: "warn", Format: FormatJson}))

	logger.Info("dropped")
	logger.WithField("jobId", "j1").Warn("kept")

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &decoded))
	assert.Equal(t, "kept", decoded["msg"])
	assert.Equal(t, "j1", decoded["jobId"])
}

func TestConfigure_Invalid(t *testing.T) {
	tests := map[string]Config{
		"bad level":  {Level: "chatty", Format: FormatText},
		"bad format": {Level: "info", Format: "xml"},
	}
	for name, config := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, configure(log.New(), &bytes.Buffer{}, config))
		})
	}
}

func TestWithStacktrace(t *testing.T) {
	err := errors.Wrap(errors.New("root"), "outer")
	entry := WithStacktrace(log.NewEntry(log.New()), err)
	assert.Equal(t, err, entry.Data[log.ErrorKey])
	assert.NotNil(t, entry.Data[Stacktrace])

	plain := WithStacktrace(log.NewEntry(log.New()), &json.SyntaxError{})
	assert.NotContains(t, plain.Data, Stacktrace)
}

func TestTopmostWithCause(t *testing.T) {
	root := errors.New("root")
	withStack := errors.WithStack(root)
	wrapped := errors.Wrap(withStack, "outer")
	assert.Equal(t, withStack, TopmostWithCause(wrapped))
	assert.Nil(t, TopmostWithCause(nil))
}
