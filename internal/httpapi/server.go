// v1
// internal/httpapi/server.go
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/circuitbreaker"
	"nrgchamp/growcontrol/internal/engine"
	"nrgchamp/growcontrol/internal/metrics"
	"nrgchamp/growcontrol/internal/models"
	"nrgchamp/growcontrol/internal/pid"
)

// StatsSource is implemented by *engine.Engine.
type StatsSource interface {
	Stats() engine.Stats
}

// Invalidator evicts cached PID tuning.
type Invalidator interface {
	Invalidate(zoneID int64, ct models.CorrectionType)
}

// EmergencyControl halts and resumes dosing for a zone.
type EmergencyControl interface {
	EmergencyStop(zoneID int64)
	Resume(zoneID int64)
}

// Deps are the collaborators served by the API.
type Deps struct {
	Engine    StatsSource
	PIDs      *pid.Registry
	Configs   Invalidator
	Emergency []EmergencyControl
	Breakers  []*circuitbreaker.Breaker
	Metrics   *metrics.Metrics
}

type statusResponse struct {
	Engine   engine.Stats              `json:"engine"`
	Breakers []circuitbreaker.Snapshot `json:"breakers"`
	Time     time.Time                 `json:"time"`
}

type zonePIDResponse struct {
	ZoneID      int64      `json:"zoneId"`
	Controllers []pid.View `json:"controllers"`
}

type Server struct {
	bind string
	deps Deps
	lg   *zap.SugaredLogger
	http *http.Server
}

func NewServer(bind string, deps Deps, lg *zap.SugaredLogger) *Server {
	s := &Server{bind: bind, deps: deps, lg: lg}
	s.http = &http.Server{
		Addr:              bind,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler with recovery and access logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.route(r, "/health", s.getHealth, http.MethodGet)
	s.route(r, "/status", s.getStatus, http.MethodGet)
	s.route(r, "/zones/{id:[0-9]+}/pid", s.getZonePID, http.MethodGet)
	s.route(r, "/zones/{id:[0-9]+}/pid/{type}/invalidate", s.postInvalidate, http.MethodPost)
	s.route(r, "/zones/{id:[0-9]+}/emergency-stop", s.postEmergencyStop, http.MethodPost)
	s.route(r, "/zones/{id:[0-9]+}/resume", s.postResume, http.MethodPost)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	access := zap.NewStdLog(s.lg.Desugar().Named("http")).Writer()
	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(s.lg.Desugar())), handlers.PrintRecoveryStack(true))
	return recovery(handlers.LoggingHandler(access, r))
}

func (s *Server) route(r *mux.Router, path string, h http.HandlerFunc, method string) {
	r.Handle(path, s.deps.Metrics.WrapHandler(path, h)).Methods(method)
}

func (s *Server) Start() error {
	s.lg.Infow("http_server_starting", "bind", s.bind)
	return s.http.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.lg.Infow("http_server_stopping")
	return s.http.Shutdown(ctx)
}

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Breakers: []circuitbreaker.Snapshot{}, Time: time.Now().UTC()}
	if s.deps.Engine != nil {
		resp.Engine = s.deps.Engine.Stats()
	}
	for _, b := range s.deps.Breakers {
		resp.Breakers = append(resp.Breakers, b.Snapshot())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getZonePID(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := zoneParam(w, r)
	if !ok {
		return
	}
	views := s.deps.PIDs.Views(zoneID)
	if len(views) == 0 {
		writeError(w, http.StatusNotFound, "no controllers for zone")
		return
	}
	writeJSON(w, http.StatusOK, zonePIDResponse{ZoneID: zoneID, Controllers: views})
}

func (s *Server) postInvalidate(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := zoneParam(w, r)
	if !ok {
		return
	}
	ct := models.CorrectionType(mux.Vars(r)["type"])
	if ct != models.CorrectionPH && ct != models.CorrectionEC {
		writeError(w, http.StatusBadRequest, "type must be ph or ec")
		return
	}
	s.deps.Configs.Invalidate(zoneID, ct)
	s.lg.Infow("pid_config_invalidated", "zone", zoneID, "type", ct)
	writeJSON(w, http.StatusOK, map[string]any{"zoneId": zoneID, "type": ct, "invalidated": true})
}

func (s *Server) postEmergencyStop(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := zoneParam(w, r)
	if !ok {
		return
	}
	for _, c := range s.deps.Emergency {
		c.EmergencyStop(zoneID)
	}
	s.lg.Warnw("zone_emergency_stop", "zone", zoneID)
	writeJSON(w, http.StatusOK, map[string]any{"zoneId": zoneID, "emergency": true})
}

func (s *Server) postResume(w http.ResponseWriter, r *http.Request) {
	zoneID, ok := zoneParam(w, r)
	if !ok {
		return
	}
	for _, c := range s.deps.Emergency {
		c.Resume(zoneID)
	}
	s.lg.Infow("zone_resumed", "zone", zoneID)
	writeJSON(w, http.StatusOK, map[string]any{"zoneId": zoneID, "emergency": false})
}

func zoneParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid zone id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
