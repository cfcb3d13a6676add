// Seltsisync - Community Site Calendar and Gallery Sync Engine
// Copyright 2026 Mari K. (marikald)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/marikald/seltsisync

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/marikald/seltsisync/internal/config"
	"github.com/marikald/seltsisync/internal/logging"
)

// HTTPService wraps an http.Server as a suture.Service so the API
// layer restarts it on failure.
type HTTPService struct {
	server *http.Server
	addr   string
}

// NewHTTPService creates the operational HTTP server service.
func NewHTTPService(cfg config.ServerConfig, handler http.Handler) *HTTPService {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	return &HTTPService{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
			IdleTimeout:  2 * cfg.Timeout,
		},
	}
}

// Serve runs the server until the context ends, then shuts down
// gracefully.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	logger := logging.Logger()
	logger.Info().Str("addr", s.addr).Msg("HTTP server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger := logging.Logger()
			logger.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		<-errCh
		return ctx.Err()
	}
}
