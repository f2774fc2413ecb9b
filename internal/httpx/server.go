package httpx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

func NewServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort("", port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Serve runs srv until it is shut down. A listener failure is sent on errCh.
func Serve(log *zap.Logger, srv *http.Server, errCh chan<- error) {
	log.Info("http listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- err
	}
}

func Shutdown(ctx context.Context, log *zap.Logger, srv *http.Server) {
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
}
