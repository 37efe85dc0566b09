package web

import (
	"context"
	"time"
)

func (s *Server) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WebSocket.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep pings every connection, terminating those that did not answer the
// previous ping, then purges guests that are gone.
func (s *Server) sweep(ctx context.Context) {
	for _, c := range s.hub.snapshot() {
		if !c.ping() {
			s.logger.Info().Str("playerID", c.playerID).Msg("Terminating unresponsive connection")
			c.close()
		}
	}
	s.purgeGuests(ctx)
}

func (s *Server) purgeGuests(ctx context.Context) {
	for _, playerID := range s.hub.idleGuests() {
		if err := s.app.Cache.DeletePlayerGame(ctx, playerID); err != nil {
			s.logger.Warn().Err(err).Str("playerID", playerID).Msg("Failed to purge guest game mapping")
		}
		if err := s.app.Cache.DeleteSession(ctx, playerID); err != nil {
			s.logger.Warn().Err(err).Str("playerID", playerID).Msg("Failed to purge guest session")
		}
		s.logger.Debug().Str("playerID", playerID).Msg("Purged guest")
	}
}
