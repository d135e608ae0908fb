package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/you/inboxd/internal/config"
	"github.com/you/inboxd/internal/storage"
)

// Producer/ops API over the inbox table: enqueue a job, inspect one, and put
// a dead-lettered job back in play.
func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync() //nolint:errcheck

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()
	store := storage.New(db)

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.Recoverer)

	rtr.Post("/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Payload        json.RawMessage `json:"payload"`
			CorrelationKey string          `json:"correlation_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CorrelationKey == "" {
			http.Error(w, "payload and correlation_key required", http.StatusBadRequest)
			return
		}
		if len(req.Payload) == 0 {
			req.Payload = json.RawMessage("{}")
		}
		id, err := store.InsertJob(r.Context(), req.Payload, req.CorrelationKey)
		if err != nil {
			log.Error("insert job", zap.Error(err))
			http.Error(w, "insert failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
	})

	rtr.Get("/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		job, err := store.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrJobNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			log.Error("get job", zap.Error(err))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	rtr.Post("/v1/jobs/{id}/requeue", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		if err := store.RequeueDead(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrJobNotFound) {
				http.Error(w, "not found or not dead", http.StatusConflict)
				return
			}
			log.Error("requeue job", zap.Error(err))
			http.Error(w, "requeue failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "NEW"})
	})

	rtr.Get("/v1/lease/{task}", func(w http.ResponseWriter, r *http.Request) {
		lease, err := store.GetLease(r.Context(), chi.URLParam(r, "task"))
		if err != nil {
			log.Error("get lease", zap.Error(err))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		if lease == nil {
			http.Error(w, "no current holder", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task_name":    lease.TaskName,
			"leader_id":    lease.LeaderID,
			"acquired_at":  lease.AcquiredAt,
			"heartbeat_at": lease.HeartbeatAt,
		})
	})

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := http.ListenAndServe(cfg.APIAddr, rtr); err != nil {
		log.Fatal("api server", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newLogger(appEnv string) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if appEnv == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return log
}
