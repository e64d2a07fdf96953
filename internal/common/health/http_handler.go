package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

type CheckHttpHandler struct {
	checker Checker
}

func NewCheckHttpHandler(checker Checker) *CheckHttpHandler {
	return &CheckHttpHandler{
		checker: checker,
	}
}

func (h *CheckHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	err := h.checker.Check()
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	log.Warnf("Health check failed: %v", err)
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err = w.Write([]byte(err.Error())); err != nil {
		log.Errorf("Failed to write health check response: %v", err)
	}
}

// SetupHttpMux registers the health endpoint on mux.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("/health", NewCheckHttpHandler(checker))
}
