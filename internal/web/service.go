package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinabrahms/chesslive/internal/queue"
)

// Router returns the HTTP routes: the websocket endpoint plus health and stats.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.HandleFunc("/ws", s.HandleWebSocket).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.HealthHandler).Methods("GET", "OPTIONS")
	api.HandleFunc("/stats", s.StatsHandler).Methods("GET", "OPTIONS")
	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	redis := "ok"
	if err := s.app.Cache.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Health check: redis unreachable")
		status, code = "degraded", http.StatusServiceUnavailable
		redis = err.Error()
	}

	writeJSON(w, code, map[string]string{
		"status": status,
		"redis":  redis,
	})
}

type StatsResponse struct {
	Connections int         `json:"connections"`
	LiveGames   int         `json:"liveGames"`
	Queue       queue.Stats `json:"queue"`
}

func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Connections: s.hub.ConnectionCount(),
		LiveGames:   s.app.Games.GameCount(),
		Queue:       s.app.Queue.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
