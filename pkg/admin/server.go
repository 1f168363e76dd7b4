package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/metrics"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// APIPrefix is the path prefix of the administrative routes
const APIPrefix = "/api/v1"

const defaultMaxBody = 64 << 10

// Response is the envelope of every administrative reply
type Response struct {
	Status Status          `json:"status"`
	Count  int             `json:"count,omitempty"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// CurrentPathRequest is the body of a current-path change
type CurrentPathRequest struct {
	PathID int `json:"path_id"`
}

// ControlRequest is the body of a control byte change
type ControlRequest struct {
	Value uint8 `json:"value"`
}

// Server serves the administrative operations over HTTP/JSON, plus the
// health, readiness and metrics endpoints
type Server struct {
	service *Service
	router  *mux.Router
	maxBody int64
	logger  zerolog.Logger
}

// NewServer creates the administrative HTTP server
func NewServer(service *Service) *Server {
	s := &Server{
		service: service,
		router:  mux.NewRouter(),
		maxBody: defaultMaxBody,
		logger:  log.WithComponent("admin"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix(APIPrefix).Subrouter()
	api.Use(s.instrument)

	api.HandleFunc("/params", s.getParams).Methods(http.MethodGet)
	api.HandleFunc("/params", s.setParams).Methods(http.MethodPut)
	api.HandleFunc("/devices", s.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id:[0-9]+}/paths", s.listPaths).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id:[0-9]+}/luns/{lun:[0-9]+}/current", s.setCurrentPath).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id:[0-9]+}/paths/{path:[0-9]+}/masks", s.getMasks).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id:[0-9]+}/paths/{path:[0-9]+}/masks", s.setMasks).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id:[0-9]+}/control", s.getControl).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id:[0-9]+}/control", s.setControl).Methods(http.MethodPut)
	api.HandleFunc("/hosts/{id:[0-9]+}/stats", s.getStats).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{id:[0-9]+}/stats", s.resetStats).Methods(http.MethodDelete)

	s.router.Handle("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	s.router.Handle("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	s.router.Handle("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler())
}

// ServeHTTP bounds request bodies and dispatches to the router
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info().Str("addr", addr).Msg("Admin API listening")
	metrics.UpdateComponent(metrics.ComponentAdmin, true, "listening on "+addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		metrics.UpdateComponent(metrics.ComponentAdmin, false, err.Error())
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metrics.UpdateComponent(metrics.ComponentAdmin, false, "stopped")
		return srv.Shutdown(shutdownCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		timer.ObserveDurationVec(metrics.AdminRequestDuration, route)
		metrics.AdminRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("code", rec.code).
			Str("remote_addr", r.RemoteAddr).
			Msg("Admin request")
	})
}

// httpCode maps a status to the HTTP response code
func httpCode(st Status) int {
	switch st {
	case StatusOk:
		return http.StatusOK
	case StatusDeviceNotFound:
		return http.StatusNotFound
	case StatusNoMemory:
		return http.StatusInsufficientStorage
	case StatusBufferTooSmall:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) reply(w http.ResponseWriter, st Status, count int, data any) {
	resp := Response{Status: st, Count: count}
	if data != nil && st == StatusOk {
		raw, err := json.Marshal(data)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode reply")
			resp.Status = StatusCopyError
			resp.Error = err.Error()
		} else {
			resp.Data = raw
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode(resp.Status))
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) fail(w http.ResponseWriter, st Status, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode(st))
	_ = json.NewEncoder(w).Encode(Response{Status: st, Error: err.Error()})
}

// intVar reads a numeric route variable; the route patterns only admit digits
func intVar(r *http.Request, name string) (int, error) {
	return strconv.Atoi(mux.Vars(r)[name])
}

// decode reads a JSON body; any failure is a CopyError
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func (s *Server) getParams(w http.ResponseWriter, r *http.Request) {
	params, st := s.service.GetParams()
	s.reply(w, st, 0, params)
}

func (s *Server) setParams(w http.ResponseWriter, r *http.Request) {
	var update config.Params
	if err := decode(r, &update); err != nil {
		s.fail(w, StatusCopyError, err)
		return
	}
	params, st := s.service.SetParams(update)
	s.reply(w, st, 0, params)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devs := s.service.ListDevices()
	s.reply(w, StatusOk, len(devs), devs)
}

func (s *Server) listPaths(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		s.fail(w, StatusInvalidParam, err)
		return
	}
	max := 0
	if v := r.URL.Query().Get("max"); v != "" {
		if max, err = strconv.Atoi(v); err != nil {
			s.fail(w, StatusInvalidParam, fmt.Errorf("max: %w", err))
			return
		}
	}
	paths, count, st := s.service.ListPaths(id, max)
	s.reply(w, st, count, paths)
}

func (s *Server) setCurrentPath(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		s.fail(w, StatusInvalidParam, err)
		return
	}
	lun, err := intVar(r, "lun")
	if err != nil {
		s.fail(w, StatusInvalidParam, err)
		return
	}
	var req CurrentPathRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, StatusCopyError, err)
		return
	}
	s.reply(w, s.service.SetCurrentPath(id, lun, req.PathID), 0, nil)
}

func (s *Server) getMasks(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		s.fail(w, StatusInvalidParam, err)
		return
	}
	pathID, err := intVar(r, "path")
	if err != nil {
		s.fail(w, StatusInvalidParam, err)
		return
	}
	masks, st := s.service.GetLunMasks(id, pathID)
	s.reply(w, st, 0, masks)
}

func (s *Server) setMasks(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		s.fail(w, StatusInvalidParam, err)
		return
	}
	pathID, err := intVar(r, "path")
	if err != nil {
		s.fail(w, StatusInvalidParam, err)
		return
	}
	var masks Masks
	if err := decode(r, &masks); err != nil {
		s.fail(w, StatusCopyError, err)
		return
	}
	s.reply(w, s.service.SetLunMasks(id, pathID, masks), 0, nil)
}

func (s *Server) getControl(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		s.fail(w, StatusInvalidParam, err)
		return
	}
	v, st := s.service.GetControlByte(id)
	s.reply(w, st, 0, ControlRequest{Value: v})
}

func (s *Server) setControl(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		s.fail(w, StatusInvalidParam, err)
		return
	}
	var req ControlRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, StatusCopyError, err)
		return
	}
	s.reply(w, s.service.SetControlByte(id, req.Value), 0, nil)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		s.fail(w, StatusInvalidParam, err)
		return
	}
	stats, st := s.service.GetHostStats(id)
	s.reply(w, st, 0, stats)
}

func (s *Server) resetStats(w http.ResponseWriter, r *http.Request) {
	id, err := intVar(r, "id")
	if err != nil {
		s.fail(w, StatusInvalidParam, err)
		return
	}
	s.reply(w, s.service.ResetHostStats(id), 0, nil)
}
