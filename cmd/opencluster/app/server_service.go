package app

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"

	util_log "github.com/opencluster/opencluster/pkg/util/log"
)

// ClusterServer is the App's narrowed view of its own HTTP status
// surface, wrapping dskit/server.Server. opencluster has no gRPC surface
// of its own — the cluster wire protocol runs on cluster.Config.ListenAddr,
// a separate raw TCP listener entirely outside dskit/server.
type ClusterServer interface {
	HTTPRouter() *mux.Router
	Log() log.Logger
	SetKeepAlivesEnabled(enabled bool)

	StartAndReturnService(cfg server.Config, servicesToWaitFor func() []services.Service) (services.Service, error)
}

type clusterServer struct {
	mux            *mux.Router
	externalServer *server.Server
}

func newClusterServer() *clusterServer {
	return &clusterServer{mux: mux.NewRouter()}
}

func (s *clusterServer) HTTPRouter() *mux.Router { return s.mux }

func (s *clusterServer) Log() log.Logger { return s.externalServer.Log }

func (s *clusterServer) SetKeepAlivesEnabled(enabled bool) {
	s.externalServer.HTTPServer.SetKeepAlivesEnabled(enabled)
}

func (s *clusterServer) StartAndReturnService(cfg server.Config, servicesToWaitFor func() []services.Service) (services.Service, error) {
	cfg.Router = s.mux
	metrics := server.NewServerMetrics(cfg)
	DisableSignalHandling(&cfg)

	var err error
	s.externalServer, err = server.NewWithMetrics(cfg, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return NewServerService(s.externalServer, servicesToWaitFor), nil
}

// NewServerService wraps a running *server.Server as a services.Service:
// running blocks on serv.Run(), stopping waits for every other module's
// service to terminate before shutting the HTTP server down.
func NewServerService(serv *server.Server, servicesToWaitFor func() []services.Service) services.Service {
	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- serv.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}
			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}
		serv.Shutdown()
		<-serverDone
		level.Info(util_log.Logger).Log("msg", "server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn)
}

// DisableSignalHandling puts a dummy signal handler on cfg: App.Run
// installs its own signals.Handler and drives shutdown through the
// services.Manager instead.
func DisableSignalHandling(cfg *server.Config) {
	cfg.SignalHandler = make(ignoreSignalHandler)
}

type ignoreSignalHandler chan struct{}

func (dh ignoreSignalHandler) Loop() { <-dh }
func (dh ignoreSignalHandler) Stop() { close(dh) }
