package app

import (
	"fmt"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"

	"github.com/opencluster/opencluster/modules/cluster"
	"github.com/opencluster/opencluster/pkg/scheduler"
	"github.com/opencluster/opencluster/pkg/transport"
	"github.com/opencluster/opencluster/pkg/util/log"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	return t.Server.StartAndReturnService(t.cfg.Server, servicesToWaitFor)
}

func (t *App) initCluster() (services.Service, error) {
	if err := t.cfg.Cluster.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}
	sink := make(chan any, 1024)
	sched := scheduler.NewRealtime(sink)
	tr := transport.NewTCP(log.Logger)
	if err := tr.Listen(t.cfg.Cluster.ListenAddr); err != nil {
		return nil, fmt.Errorf("failed to start cluster listener: %w", err)
	}
	t.transport = tr

	t.controller = cluster.NewController(t.cfg.Cluster, sched, tr, sink, log.Logger, nil)

	t.Server.HTTPRouter().Path("/status/cluster").Handler(t.clusterStatusHandler()).Methods("GET")
	t.Server.HTTPRouter().Path("/status/buckets").Handler(t.bucketsStatusHandler()).Methods("GET")
	t.Server.HTTPRouter().Path("/status/nodes").Handler(t.nodesStatusHandler()).Methods("GET")
	t.Server.HTTPRouter().Path("/debug/dump").Handler(t.debugDumpHandler()).Methods("GET")

	return t.controller.Service, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Cluster, t.initCluster)
	mm.RegisterModule(SingleBinary, nil)

	deps := map[string][]string{
		Cluster:      {Server},
		SingleBinary: {Cluster},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.ModuleManager = mm
	t.deps = deps
	return nil
}

func (t *App) isModuleActive(m string) bool {
	if t.cfg.Target == m {
		return true
	}
	return t.recursiveIsModuleActive(t.cfg.Target, m)
}

func (t *App) recursiveIsModuleActive(target, m string) bool {
	if targetDeps, ok := t.deps[target]; ok {
		for _, dep := range targetDeps {
			if dep == m {
				return true
			}
			if t.recursiveIsModuleActive(dep, m) {
				return true
			}
		}
	}
	return false
}
