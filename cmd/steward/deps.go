package main

import (
	"github.com/cuemby/steward/pkg/agent"
	"github.com/cuemby/steward/pkg/auth"
	"github.com/cuemby/steward/pkg/certs"
	"github.com/cuemby/steward/pkg/config"
	"github.com/cuemby/steward/pkg/election"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/membership"
	"github.com/cuemby/steward/pkg/restart"
	"github.com/cuemby/steward/pkg/security"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/workload"
)

// buildDeps assembles the agent's collaborators around the supplied store,
// which the caller owns and closes. The in-process authority serves
// self-signed deployments: certificates it issues come back to the agent as
// ordinary issuance events.
func buildDeps(cfg agent.Config, store storage.Store, elector election.Elector, broker *events.Broker) (agent.Deps, error) {
	view := membership.NewView(store, cfg.NodeID).WithLeader(elector.LeaderID)
	service := workload.NewService()
	hasher := workload.NewExecHasher()
	materials := security.Materials{Dir: cfg.TLSDir}

	authManager, err := auth.NewManager(store, view, service, hasher, cfg.AuthFilePath)
	if err != nil {
		return agent.Deps{}, err
	}

	authority := security.NewLocalAuthority()
	if err := authority.Initialize(); err != nil {
		return agent.Deps{}, err
	}
	if broker != nil {
		authority.OnIssued = func(csrPEM, certPEM, caPEM string) {
			broker.Publish(events.New(types.EventCertificateIssued).
				With(agent.MetaCSR, csrPEM).
				With(agent.MetaCert, certPEM).
				With(agent.MetaCAChain, caPEM))
		}
	}

	certManager := certs.NewManager(store, view, materials, authority)
	configReconciler := config.NewReconciler(view, service, materials, cfg.ServiceConfigPath, cfg.AuthFilePath, cfg.ReplicationFactor)
	restartCoordinator := restart.NewCoordinator(store, service, cfg.NodeID)

	return agent.Deps{
		Store:    store,
		View:     view,
		Auth:     authManager,
		Certs:    certManager,
		Config:   configReconciler,
		Restart:  restartCoordinator,
		Elector:  elector,
		Workload: service,
	}, nil
}
