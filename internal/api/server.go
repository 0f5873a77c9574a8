// Package api serves the read-only monitor of a running saturn process over
// HTTP (JSON) and gRPC. Restrictions are the only state it can change.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Server hosts the HTTP and gRPC listeners. An empty address disables the
// corresponding listener.
type Server struct {
	monitor  *Monitor
	httpAddr string
	grpcAddr string
	log      *slog.Logger
}

// NewServer creates a Server for m.
func NewServer(m *Monitor, httpAddr, grpcAddr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		monitor:  m,
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
		log:      log.With("component", "api"),
	}
}

// ListenAndServe starts the listeners and blocks until ctx is cancelled or
// a listener fails. Both servers are shut down gracefully on return.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lis net.Listener
	if s.grpcAddr != "" {
		var err error
		if lis, err = net.Listen("tcp", s.grpcAddr); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if s.httpAddr != "" {
		httpServer := &http.Server{
			Addr:              s.httpAddr,
			Handler:           s.monitor.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			s.log.Info("HTTP monitor listening", "addr", s.httpAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				s.log.Error("shutdown error", "error", err)
			}
			return nil
		})
	}

	if lis != nil {
		gs := grpc.NewServer()
		NewGRPCServer(s.monitor).RegisterGRPC(gs)
		g.Go(func() error {
			s.log.Info("gRPC monitor listening", "addr", lis.Addr().String())
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			stopped := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(5 * time.Second):
				gs.Stop()
			}
			return nil
		})
	}

	return g.Wait()
}
