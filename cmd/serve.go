package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mapharvest/internal/export"
	"github.com/sells-group/mapharvest/internal/harvest"
	"github.com/sells-group/mapharvest/internal/model"
	"github.com/sells-group/mapharvest/internal/results"
	"github.com/sells-group/mapharvest/internal/status"
	"github.com/sells-group/mapharvest/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP interface for starting harvests and downloading results",
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		history, err := openStore(ctx)
		if err != nil {
			return err
		}
		if history != nil {
			defer history.Close() //nolint:errcheck
		}

		res := results.New()
		recorder := status.NewRecorder(cfg.Server.EventLimit)
		sink := status.Multi{status.NewZapSink(nil), recorder}

		h, err := harvest.FromConfig(cfg, res, history, sink)
		if err != nil {
			return err
		}

		s := newServer(ctx, h, res, recorder, history)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           s.routes(cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("graceful shutdown failed", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		s.wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// harvestRunner runs one harvest to completion.
type harvestRunner interface {
	Run(ctx context.Context, query string) (*harvest.Outcome, error)
}

// server exposes the start, reset, table and download interface over HTTP.
// One harvest runs at a time; background harvests live as long as ctx.
type server struct {
	ctx      context.Context
	runner   harvestRunner
	results  *results.Store
	recorder *status.Recorder
	history  store.Store

	inflight atomic.Bool
	wg       sync.WaitGroup
}

func newServer(ctx context.Context, runner harvestRunner, res *results.Store, recorder *status.Recorder, history store.Store) *server {
	return &server{
		ctx:      ctx,
		runner:   runner,
		results:  res,
		recorder: recorder,
		history:  history,
	}
}

func (s *server) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/scrape", s.handleScrape)
	r.Get("/status", s.handleStatus)
	r.Get("/results", s.handleResults)
	r.Get("/results.csv", s.handleDownload(export.FormatCSV))
	r.Get("/results.xlsx", s.handleDownload(export.FormatXLSX))
	r.Delete("/results", s.handleReset)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Delete("/{id}", s.handleDeleteRun)
	})
	return r
}

// wait blocks until background harvests have returned.
func (s *server) wait() {
	s.wg.Wait()
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if s.results.Snapshot().State == results.StateRunning || !s.inflight.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "a harvest is already running")
		return
	}

	s.recorder.Reset()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inflight.Store(false)
		out, err := s.runner.Run(s.ctx, req.Query)
		if err != nil {
			zap.L().Warn("harvest failed", zap.String("query", req.Query), zap.Error(err))
			return
		}
		zap.L().Info("harvest complete",
			zap.String("query", req.Query),
			zap.String("run_id", out.Run.ID),
			zap.Int("records", len(out.Run.Records)),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"query":  req.Query,
	})
}

type statusResponse struct {
	State    results.State                   `json:"state"`
	Events   []status.Event                  `json:"events"`
	Progress map[string]status.ProgressState `json:"progress"`
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	events, progress := s.recorder.Snapshot()
	state := s.results.Snapshot().State
	if s.inflight.Load() && state != results.StateRunning {
		// Accepted but not yet begun.
		state = results.StateRunning
	}
	if events == nil {
		events = []status.Event{}
	}
	writeJSON(w, http.StatusOK, statusResponse{State: state, Events: events, Progress: progress})
}

func (s *server) handleResults(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.results.Snapshot())
}

func (s *server) handleDownload(f export.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		records := s.results.Records()
		if records == nil {
			writeError(w, http.StatusNotFound, "no completed results")
			return
		}
		w.Header().Set("Content-Type", f.ContentType())
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="data.%s"`, f))
		if err := export.Write(w, f, records); err != nil {
			zap.L().Error("write download", zap.String("format", string(f)), zap.Error(err))
		}
	}
}

func (s *server) handleReset(w http.ResponseWriter, _ *http.Request) {
	if s.inflight.Load() {
		writeError(w, http.StatusConflict, "a harvest is running")
		return
	}
	if err := s.results.Reset(); err != nil {
		if errors.Is(err, results.ErrBusy) {
			writeError(w, http.StatusConflict, "a harvest is running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recorder.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	q := r.URL.Query()
	filter := store.RunFilter{
		Status: model.RunStatus(q.Get("status")),
		Query:  q.Get("query"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	runs, err := s.history.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	run, err := s.history.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		zap.L().Error("get run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get run failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	err := s.history.DeleteRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		zap.L().Error("delete run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete run failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// requestLogger writes one line per request to the global logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	})
}
