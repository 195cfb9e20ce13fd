package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ReadinessMarker is logged once the listener is bound. The launcher watches for it.
const ReadinessMarker = "Application startup complete"

// ListenAndServe binds the configured address and serves until SIGINT or SIGTERM.
func (s *Server) ListenAndServe(shutdownTimeout time.Duration) error {
	listener, err := net.Listen("tcp", s.inner.Addr)
	if err != nil {
		return err
	}
	return Serve(s.inner, listener, shutdownTimeout, s.logger, nil)
}

// Serve runs server on listener and shuts it down gracefully when a signal arrives.
// A nil signalCh subscribes to SIGINT and SIGTERM.
func Serve(server *http.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger, signalCh <-chan os.Signal) error {
	// The listener is already bound, so connections queue until Serve accepts them.
	logger.Info(ReadinessMarker, zap.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
