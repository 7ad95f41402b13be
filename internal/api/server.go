package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stalewatch/internal/alerting"
	"stalewatch/internal/config"
	"stalewatch/internal/model"
	"stalewatch/internal/stats"
)

// Runner triggers a full run; the orchestrator satisfies it.
type Runner interface {
	Execute(ctx context.Context) (model.RunSummary, error)
}

type Server struct {
	cfg       *config.Manager
	stats     *stats.Store
	decisions *alerting.Store
	runner    Runner
	logger    *slog.Logger
	version   string
}

type statusResponse struct {
	Status     string         `json:"status"`
	Time       string         `json:"time"`
	Version    string         `json:"version"`
	ConfigPath string         `json:"config_path,omitempty"`
	Freshness  freshnessInfo  `json:"freshness"`
	Alerting   alertingStatus `json:"alerting"`
	Notify     notifyStatus   `json:"notify"`
}

type freshnessInfo struct {
	LookbackDays  int `json:"lookback_days"`
	RecaptureDays int `json:"recapture_days"`
}

type alertingStatus struct {
	RatioThreshold    float64 `json:"ratio_threshold"`
	QuietStartHour    int     `json:"quiet_start_hour"`
	QuietEndHour      int     `json:"quiet_end_hour"`
	DedupeWindowHours int     `json:"dedupe_window_hours"`
	EscalationStreak  int     `json:"escalation_streak"`
}

type notifyStatus struct {
	Driver   string `json:"driver"`
	Attempts int    `json:"attempts"`
}

func Start(ctx context.Context, cfg *config.Manager, statsStore *stats.Store, decisionStore *alerting.Store, runner Runner, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:       cfg,
		stats:     statsStore,
		decisions: decisionStore,
		runner:    runner,
		logger:    logger,
		version:   version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/stats", server.handleStats)
	mux.HandleFunc("/stats/", server.handleStats)
	mux.HandleFunc("/decisions", server.handleDecisions)
	mux.HandleFunc("/run", server.handleRun)

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Freshness: freshnessInfo{
			LookbackDays:  cfg.Freshness.LookbackDays,
			RecaptureDays: cfg.Freshness.RecaptureDays,
		},
		Alerting: alertingStatus{
			RatioThreshold:    cfg.Alerting.RatioThreshold,
			QuietStartHour:    cfg.Alerting.QuietStartHour,
			QuietEndHour:      cfg.Alerting.QuietEndHour,
			DedupeWindowHours: cfg.Alerting.DedupeWindowHours,
			EscalationStreak:  cfg.Alerting.EscalationStreak,
		},
		Notify: notifyStatus{
			Driver:   cfg.Notify.Driver,
			Attempts: cfg.Notify.Attempts,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/stats")
	path = strings.TrimPrefix(path, "/")
	if path != "" {
		st, updated, ok := s.stats.Get(path)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"org_id":     path,
			"updated_at": updated.Format(time.RFC3339Nano),
			"stats":      st,
		})
		return
	}
	all := s.stats.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": all,
		"count": len(all),
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	sinceStr := r.URL.Query().Get("since")
	var list []model.AlertDecision
	if sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.decisions.Since(ts)
	} else {
		list = s.decisions.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": list,
		"count":     len(list),
	})
}

// handleRun triggers one synchronous run. The response is always a
// success listing per-org statistics unless the run could not start
// at all.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.runner == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	summary, err := s.runner.Execute(r.Context())
	if err != nil {
		if s.logger != nil {
			s.logger.Error("triggered run failed", "err", err)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"summary": summary,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
