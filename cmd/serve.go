package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/artifact-guard/internal/config"
	"github.com/sells-group/artifact-guard/internal/guard"
	"github.com/sells-group/artifact-guard/internal/model"
	"github.com/sells-group/artifact-guard/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve budget, breaker, and event status over HTTP (read-only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.eventSource(), env.State),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(cfg, env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter wires the read-only endpoints. Concurrent /status requests
// share one snapshot read.
func buildRouter(c *config.Config, env *guardEnv) http.Handler {
	var flight singleflight.Group

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		v, err, _ := flight.Do("status", func() (any, error) {
			snap, err := env.State.Load()
			if err != nil {
				return nil, err
			}
			return buildStatus(env.State.Path(), snap, c, time.Now()), nil
		})
		if err != nil {
			zap.L().Error("serve: load state", zap.Error(err))
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		respondJSON(w, http.StatusOK, v)
	})

	r.Get("/events", func(w http.ResponseWriter, req *http.Request) {
		filter, err := eventFilterFromQuery(req, time.Now())
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		recs, err := env.eventSource().ListEvents(req.Context(), filter)
		if err != nil {
			zap.L().Error("serve: list events", zap.Error(err))
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if recs == nil {
			recs = []model.EventRecord{}
		}
		respondJSON(w, http.StatusOK, recs)
	})

	return r
}

func eventFilterFromQuery(req *http.Request, now time.Time) (model.EventFilter, error) {
	q := req.URL.Query()
	filter := model.EventFilter{
		Kind:  model.EventKind(q.Get("kind")),
		RunID: q.Get("run_id"),
		Limit: 50,
	}
	if typ := q.Get("type"); typ != "" {
		filter.ArtifactType = guard.NormalizeType(typ)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return filter, eris.Errorf("invalid limit %q", raw)
		}
		filter.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return filter, eris.Errorf("invalid since %q", raw)
		}
		filter.Since = now.Add(-d)
	}
	return filter, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
