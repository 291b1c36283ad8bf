package handlers

import (
	"context"
	"net/http"

	"github.com/voxloop/voxloop/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the process can serve traffic. Ping, when
// set, probes the backing store.
type ReadyHandler struct {
	Config config.Config
	Ping   func(ctx context.Context) error
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK     bool     `json:"ok"`
		Store  string   `json:"store"`
		Events bool     `json:"events"`
		Issues []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)

	if len(h.Config.APIKeys) == 0 {
		issues = append(issues, "no api keys configured")
	}
	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "no generation api key configured")
	}
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			issues = append(issues, "store unreachable: "+err.Error())
		}
	}

	storeKind := "memory"
	if h.Config.DatabaseURL != "" {
		storeKind = "postgres"
	}

	resp := readyResp{
		OK:     len(issues) == 0,
		Store:  storeKind,
		Events: h.Config.NATSURL != "",
		Issues: issues,
	}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
