package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/liveq/jobmanager/internal/common/lqcontext"
)

// CreateContextWithShutdown returns a context that is cancelled on SIGINT or SIGTERM.
func CreateContextWithShutdown() *lqcontext.Context {
	ctx, cancel := lqcontext.WithCancel(lqcontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			ctx.Log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return ctx
}
