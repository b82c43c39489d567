package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/atomic"
	"gopkg.in/yaml.v3"

	"github.com/opencluster/opencluster/modules/cluster"
	"github.com/opencluster/opencluster/pkg/transport"
	"github.com/opencluster/opencluster/pkg/util/log"
)

// The modules that make up opencluster. A single binary has only one real
// module besides the HTTP server: the cluster Controller.
const (
	Server  string = "server"
	Cluster string = "cluster"

	SingleBinary string = "all"

	metricsNamespace = "opencluster"
)

// App is the root datastructure: it owns the module dependency graph and
// the one HTTP status surface, and Run blocks until every module's
// service has stopped.
type App struct {
	cfg Config

	Server     ClusterServer
	transport  *transport.TCP
	controller *cluster.Controller

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
	deps          map[string][]string
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		Server: newClusterServer(),
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager: %w", err)
	}

	return app, nil
}

// Run starts every module and blocks until a signal is received.
func (t *App) Run() error {
	if !t.ModuleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(log.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}

	serviceMap, err := t.ModuleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services: %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	shutdownRequested := atomic.NewBool(false)
	t.Server.HTTPRouter().Path("/ready").Handler(t.readyHandler(sm, shutdownRequested)).Methods("GET")
	t.Server.HTTPRouter().Path("/status").Handler(t.statusHandler()).Methods("GET")
	t.Server.HTTPRouter().Path("/status/{endpoint}").Handler(t.statusHandler()).Methods("GET")
	t.Server.HTTPRouter().Path("/api/buildinfo").Handler(t.buildinfoHandler()).Methods("GET")

	healthy := func() { level.Info(log.Logger).Log("msg", "opencluster started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "opencluster stopped") }
	serviceFailed := func(service services.Service) {
		sm.StopAsync()

		for m, s := range serviceMap {
			if s == service {
				err = service.FailureCase()
				if errors.Is(err, modules.ErrStopProcess) {
					level.Info(log.Logger).Log("msg", "received stop signal via return error", "module", m, "err", err)
				} else if errors.Is(err, context.Canceled) {
					return
				} else if err != nil {
					level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", err)
				}
				return
			}
		}
		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(t.Server.Log())
	go func() {
		handler.Loop()

		shutdownRequested.Store(true)
		t.Server.SetKeepAlivesEnabled(false)

		if t.cfg.ShutdownDelay > 0 {
			time.Sleep(t.cfg.ShutdownDelay)
		}

		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (t *App) readyHandler(sm *services.Manager, shutdownRequested *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if shutdownRequested.Load() {
			http.Error(w, "Application is stopping", http.StatusServiceUnavailable)
			return
		}
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")
			for st, ls := range sm.ServicesByState() {
				fmt.Fprintf(&msg, "%v: %d\n", st, len(ls))
			}
			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "ready", http.StatusOK)
	}
}

func (t *App) writeStatusConfig(w io.Writer, r *http.Request) error {
	var output interface{}

	switch r.URL.Query().Get("mode") {
	case "defaults":
		output = NewDefaultConfig()
	case "":
		output = t.cfg
	default:
		return fmt.Errorf("unknown value for mode query parameter: %v", r.URL.Query().Get("mode"))
	}

	out, err := yaml.Marshal(output)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("---\n")); err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func (t *App) writeStatusServices(w io.Writer) error {
	names := make([]string, 0, len(t.serviceMap))
	for name := range t.serviceMap {
		names = append(names, name)
	}
	sort.Strings(names)

	x := table.NewWriter()
	x.SetOutputMirror(w)
	x.AppendHeader(table.Row{"module", "status", "failure case"})
	for _, name := range names {
		svc := t.serviceMap[name]
		var e string
		if err := svc.FailureCase(); err != nil {
			e = err.Error()
		}
		x.AppendRows([]table.Row{{name, svc.State(), e}})
	}
	x.AppendSeparator()
	x.Render()
	return nil
}
