package engine

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/openebs/mayastor/pkg/block"
	"github.com/openebs/mayastor/pkg/nexus"
	"github.com/openebs/mayastor/pkg/nexus/ana"
	"github.com/openebs/mayastor/pkg/rpc"
	"github.com/openebs/mayastor/pkg/store"
	"github.com/openebs/mayastor/pkg/util/runnable"
)

// Engine wires the registry, the RPC surface, the liveness monitor and
// the metrics exporter into one process.
type Engine struct {
	cfg      Config
	registry *nexus.Registry
	server   *rpc.Server
	group    *runnable.Group
}

// New assembles an engine from the config.
func New(cfg Config) (e *Engine, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	var st store.NexusStoreIface
	if cfg.StateDir != "" {
		st, err = store.NewFileStore(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
	}

	version, err := nexus.ParseAPIVersion(cfg.APIVersion)
	if err != nil {
		return nil, err
	}

	registry := nexus.NewRegistry(nexus.RegistryOptions{
		Resolver:        block.NewResolver(),
		Store:           st,
		Reporter:        ana.NewReporter(),
		ShareProtocols:  cfg.Protocols(),
		SegmentBlocks:   cfg.SegmentBlocks(512),
		HistoryCapacity: cfg.RebuildHistory,
	})

	server := rpc.NewServer(cfg.RPCSocket)
	rpc.NewNexusService(registry, version).RegisterAll(server)

	e = &Engine{
		cfg:      cfg,
		registry: registry,
		server:   server,
		group:    runnable.NewGroup(),
	}

	if err = e.group.Add(server); err != nil {
		return nil, err
	}
	if cfg.MonitorInterval > 0 {
		if err = e.group.Add(newMonitor(registry, cfg.MonitorInterval)); err != nil {
			return nil, err
		}
	}
	if cfg.MetricsAddr != "" {
		if err = e.group.Add(newMetricsServer(cfg.MetricsAddr, registry)); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Registry of the engine, exposed for in-process callers and tests.
func (e *Engine) Registry() *nexus.Registry { return e.registry }

// Run blocks until ctx is done or a component fails, then shuts every
// nexus down through the barrier.
func (e *Engine) Run(ctx context.Context) error {
	klog.Infof("engine starting: socket=%s state=%s api=%s",
		e.cfg.RPCSocket, e.cfg.StateDir, e.cfg.APIVersion)

	err := e.group.Run(ctx)

	for _, n := range e.registry.List("") {
		if serr := n.Shutdown(); serr != nil {
			klog.Error(serr)
		}
	}
	klog.Info("engine stopped")
	return err
}
