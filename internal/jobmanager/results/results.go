// Package results persists the final collection of every completed job as <dir>/job-<id>.bin.
package results

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/liveq/jobmanager/internal/jobmanager/histogram"
)

type Config struct {
	Dir string `validate:"required"`
	// Attempts after the first failed one.
	MaxRetries     uint          `validate:"lte=20"`
	InitialBackoff time.Duration `validate:"gte=0"`
	MaxBackoff     time.Duration `validate:"gte=0"`
}

// Writer stores packed collections, uncompressed and unencoded. Files appear atomically: a collection is written to
// a temporary file in the same directory and renamed into place.
type Writer struct {
	config Config
	fs     afero.Fs
}

func NewWriter(config Config) *Writer {
	return NewWriterFs(config, afero.NewOsFs())
}

func NewWriterFs(config Config, fs afero.Fs) *Writer {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}
	return &Writer{config: config, fs: fs}
}

// Path is where the results of jobId are stored.
func (w *Writer) Path(jobId string) string {
	return filepath.Join(w.config.Dir, fmt.Sprintf("job-%s.bin", jobId))
}

// Write persists collection for jobId, retrying with exponential back-off. It returns the path written.
func (w *Writer) Write(ctx context.Context, jobId string, collection *histogram.Collection) (string, error) {
	data, err := histogram.Pack(collection, histogram.Options{})
	if err != nil {
		return "", err
	}
	path := w.Path(jobId)
	err = retry.Do(
		func() error {
			return w.writeAtomic(path, data)
		},
		retry.Context(ctx),
		retry.Attempts(w.config.MaxRetries+1),
		retry.Delay(w.config.InitialBackoff),
		retry.MaxDelay(w.config.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithField("jobId", jobId).WithError(err).Warnf("writing results failed on attempt %d", n+1)
		}),
	)
	if err != nil {
		return "", errors.Wrapf(err, "writing results of job %s", jobId)
	}
	return path, nil
}

func (w *Writer) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := w.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	tmp, err := afero.TempFile(w.fs, dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = w.fs.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = w.fs.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		_ = w.fs.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	if err := w.fs.Rename(tmp.Name(), path); err != nil {
		_ = w.fs.Remove(tmp.Name())
		return errors.WithStack(err)
	}
	return nil
}

// Read loads the persisted results of jobId.
func (w *Writer) Read(jobId string) (*histogram.Collection, error) {
	data, err := afero.ReadFile(w.fs, w.Path(jobId))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "no results for job %s", jobId)
		}
		return nil, errors.WithStack(err)
	}
	return histogram.Unpack(data, histogram.Options{})
}
