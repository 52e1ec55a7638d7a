package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/steward/pkg/auth"
	"github.com/cuemby/steward/pkg/certs"
	"github.com/cuemby/steward/pkg/config"
	"github.com/cuemby/steward/pkg/election"
	"github.com/cuemby/steward/pkg/events"
	"github.com/cuemby/steward/pkg/health"
	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/membership"
	"github.com/cuemby/steward/pkg/metrics"
	"github.com/cuemby/steward/pkg/restart"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/workload"
)

// Event metadata keys used by the host environment
const (
	MetaEndpoints  = "endpoints"
	MetaUsername   = "username"
	MetaPassword   = "password"
	MetaTopic      = "topic"
	MetaTLS        = "tls"
	MetaCA         = "ca"
	MetaRelationID = "relation_id"
	MetaSubject    = "subject"
	MetaRoles      = "roles"
	MetaCSR        = "csr"
	MetaCert       = "certificate"
	MetaCAChain    = "ca_chain"
)

// Result is the outcome of one reconcile cycle
type Result struct {
	Status           types.ClusterStatus
	RestartRequired  bool
	RestartPerformed bool
}

// Deps collects the collaborators the agent drives
type Deps struct {
	Store    storage.Store
	View     *membership.View
	Auth     *auth.Manager
	Certs    *certs.Manager
	Config   *config.Reconciler
	Restart  *restart.Coordinator
	Elector  election.Elector
	Workload workload.Workload
}

// Agent is the event-driven core. Every notification from the host
// environment funnels through Reconcile, which reads fleet state, applies
// the minimal set of writes, and reports the node's status. Handlers are
// idempotent: re-delivering an event a second time produces no new writes.
type Agent struct {
	deps   Deps
	logger zerolog.Logger
}

// New creates the agent
func New(deps Deps) *Agent {
	return &Agent{
		deps:   deps,
		logger: log.WithComponent("agent"),
	}
}

// IsLeader reports whether this node may perform fleet-wide writes
func (a *Agent) IsLeader() bool {
	return a.deps.Elector.IsLeader()
}

// Reconcile handles one event. A returned error wrapping ErrNotReady means
// the fleet cannot process the event yet and it should be re-delivered.
func (a *Agent) Reconcile(ctx context.Context, event *events.Event) (Result, error) {
	start := time.Now()
	a.logger.Info().Str("event", string(event.Kind)).Int("attempt", event.Attempts).Msg("reconciling")

	result, err := a.dispatch(ctx, event)

	outcome := "ok"
	switch {
	case errors.Is(err, types.ErrNotReady):
		outcome = "deferred"
	case err != nil:
		outcome = "error"
	}
	metrics.ReconcilesTotal.WithLabelValues(string(event.Kind), outcome).Inc()
	metrics.ReconcileDuration.WithLabelValues(string(event.Kind)).Observe(time.Since(start).Seconds())
	if a.IsLeader() {
		metrics.IsLeader.Set(1)
	} else {
		metrics.IsLeader.Set(0)
	}

	if result.Status != "" {
		logStatus(a.logger, result.Status)
	}
	return result, err
}

func (a *Agent) dispatch(ctx context.Context, event *events.Event) (Result, error) {
	switch event.Kind {
	case types.EventInstall:
		return Result{}, a.advertiseFacts()
	case types.EventStart:
		return a.handleStart(ctx)
	case types.EventConfigChanged, types.EventUpdateStatus:
		return a.reconcileAll(ctx)
	case types.EventBrokerChanged:
		return a.handleBrokerChanged(ctx, event)
	case types.EventBrokerBroken:
		return a.handleBrokerBroken()
	case types.EventCARelationCreated:
		return a.handleCACreated()
	case types.EventCARelationJoined:
		return a.handleCAJoined()
	case types.EventCertificateIssued:
		return a.handleCertificateIssued(ctx, event)
	case types.EventCertificateExpiring:
		return a.handleCertificateExpiring()
	case types.EventCARelationBroken:
		return a.handleCABroken(ctx)
	case types.EventTenantRequested:
		return a.handleTenantRequested(ctx, event)
	case types.EventTenantBroken:
		return a.handleTenantBroken(event)
	default:
		return Result{}, fmt.Errorf("%w: unknown event kind %q", types.ErrValidation, event.Kind)
	}
}

// advertiseFacts publishes the node's connectivity facts to its own
// partition so peers can resolve it
func (a *Agent) advertiseFacts() error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("resolve hostname: %w", err)
	}

	store := a.deps.Store
	localID := a.deps.View.LocalID()
	facts := map[string]string{
		membership.KeyHostname: hostname,
		membership.KeyFQDN:     hostname,
	}
	if ip := localIP(); ip != "" {
		facts[membership.KeyIP] = ip
		facts[membership.KeyPrivateAddress] = ip
	}
	for key, value := range facts {
		if err := store.Put(storage.PartitionNode, localID, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) handleStart(ctx context.Context) (Result, error) {
	if err := a.advertiseFacts(); err != nil {
		return Result{}, err
	}

	if a.IsLeader() {
		formed, err := a.deps.View.HasPeerGroup()
		if err != nil {
			return Result{}, err
		}
		if !formed {
			if err := a.deps.Store.Put(storage.PartitionShared, storage.SharedOwner, membership.KeyPeerGroup, membership.Enabled); err != nil {
				return Result{}, err
			}
			a.logger.Info().Msg("peer group formed")
		}
	}
	return a.reconcileAll(ctx)
}

// handleBrokerChanged records the broker's advertised facts and then runs a
// full reconcile. Fact writes are leader-only; followers still reconcile so
// their rendered configuration picks up the new facts.
func (a *Agent) handleBrokerChanged(ctx context.Context, event *events.Event) (Result, error) {
	if a.IsLeader() {
		store := a.deps.Store
		shared := map[string]string{
			membership.KeyBrokerEndpoints: event.Metadata[MetaEndpoints],
			membership.KeyBrokerUsername:  event.Metadata[MetaUsername],
			membership.KeyBrokerTopic:     event.Metadata[MetaTopic],
			membership.KeyBrokerTLS:       event.Metadata[MetaTLS],
			membership.KeyBrokerCA:        event.Metadata[MetaCA],
		}
		for key, value := range shared {
			if err := store.Put(storage.PartitionShared, storage.SharedOwner, key, value); err != nil {
				return Result{}, err
			}
		}
		if password := event.Metadata[MetaPassword]; password != "" {
			if err := store.Put(storage.PartitionSecret, storage.SharedOwner, membership.KeyBrokerPassword, password); err != nil {
				return Result{}, err
			}
		}
	}
	return a.reconcileAll(ctx)
}

// handleBrokerBroken clears the broker facts and stops the service: a
// registry without its broker only serves errors
func (a *Agent) handleBrokerBroken() (Result, error) {
	if a.IsLeader() {
		store := a.deps.Store
		keys := []string{
			membership.KeyBrokerEndpoints,
			membership.KeyBrokerUsername,
			membership.KeyBrokerTopic,
			membership.KeyBrokerTLS,
			membership.KeyBrokerCA,
		}
		for _, key := range keys {
			if err := store.Put(storage.PartitionShared, storage.SharedOwner, key, ""); err != nil {
				return Result{}, err
			}
		}
		if err := store.Put(storage.PartitionSecret, storage.SharedOwner, membership.KeyBrokerPassword, ""); err != nil {
			return Result{}, err
		}
	}

	if a.deps.Workload.Active() {
		if err := a.deps.Workload.Stop(); err != nil {
			return Result{}, fmt.Errorf("%w: stop service: %v", types.ErrDependency, err)
		}
	}
	return Result{Status: types.StatusBrokerNotRelated}, nil
}

func (a *Agent) handleCACreated() (Result, error) {
	if !a.IsLeader() {
		return Result{}, nil
	}
	formed, err := a.deps.View.HasPeerGroup()
	if err != nil {
		return Result{}, err
	}
	if !formed {
		return Result{Status: types.StatusNoPeerGroup}, fmt.Errorf("%w: peer group not formed yet", types.ErrNotReady)
	}
	return Result{}, a.deps.Store.Put(storage.PartitionShared, storage.SharedOwner, membership.KeyTLS, membership.Enabled)
}

func (a *Agent) handleCAJoined() (Result, error) {
	if err := a.deps.Certs.EnsureKey(); err != nil {
		return Result{}, err
	}
	state, err := a.deps.Certs.State()
	if err != nil {
		return Result{}, err
	}
	if state.Status != types.CertStatusKeyGenerated {
		return Result{}, nil
	}
	return Result{}, a.deps.Certs.RequestCertificate()
}

func (a *Agent) handleCertificateIssued(ctx context.Context, event *events.Event) (Result, error) {
	err := a.deps.Certs.HandleIssued(event.Metadata[MetaCSR], event.Metadata[MetaCert], event.Metadata[MetaCAChain])
	if errors.Is(err, types.ErrValidation) {
		metrics.CertificateRejectionsTotal.Inc()
		return Result{}, err
	}
	if err != nil {
		return Result{}, err
	}
	return a.reconcileAll(ctx)
}

func (a *Agent) handleCertificateExpiring() (Result, error) {
	if err := a.deps.Certs.HandleExpiring(); err != nil {
		return Result{}, err
	}
	metrics.CertificateRenewalsTotal.Inc()
	return Result{}, nil
}

func (a *Agent) handleCABroken(ctx context.Context) (Result, error) {
	if a.IsLeader() {
		if err := a.deps.Store.Put(storage.PartitionShared, storage.SharedOwner, membership.KeyTLS, ""); err != nil {
			return Result{}, err
		}
	}
	if err := a.deps.Certs.HandleRelationBroken(); err != nil {
		return Result{}, err
	}
	return a.reconcileAll(ctx)
}

func (a *Agent) handleTenantRequested(ctx context.Context, event *events.Event) (Result, error) {
	if !a.IsLeader() {
		return Result{}, nil
	}
	ready, err := a.deps.View.DependencyReady()
	if err != nil {
		return Result{}, err
	}
	if !ready {
		return Result{Status: types.StatusBrokerNoData}, fmt.Errorf("%w: broker facts incomplete", types.ErrNotReady)
	}

	relationID := event.Metadata[MetaRelationID]
	if relationID == "" {
		return Result{}, fmt.Errorf("%w: tenant request without relation id", types.ErrValidation)
	}
	_, err = a.deps.Auth.ProvisionTenant(ctx, relationID, event.Metadata[MetaSubject], event.Metadata[MetaRoles])
	if err != nil {
		return Result{}, err
	}
	return a.reconcileAll(ctx)
}

// handleTenantBroken removes a tenant unless the whole application is going
// down, in which case credentials are left for the survivors to ignore
func (a *Agent) handleTenantBroken(event *events.Event) (Result, error) {
	if !a.IsLeader() {
		return Result{}, nil
	}
	departing, err := a.deps.View.Departing()
	if err != nil {
		return Result{}, err
	}
	if departing {
		a.logger.Info().Msg("application departing, skipping tenant removal")
		return Result{}, nil
	}

	relationID := event.Metadata[MetaRelationID]
	if relationID == "" {
		return Result{}, fmt.Errorf("%w: tenant removal without relation id", types.ErrValidation)
	}
	return Result{}, a.deps.Auth.DeprovisionTenant(relationID)
}

// reconcileAll is the full convergence pass shared by most events: security
// posture check, credential reconciliation, configuration drift, restart.
func (a *Agent) reconcileAll(ctx context.Context) (Result, error) {
	view := a.deps.View

	mismatch, err := view.SecurityMismatch()
	if err != nil {
		return Result{}, err
	}
	if mismatch {
		return Result{Status: types.StatusTLSMismatch},
			fmt.Errorf("%w: fleet and broker disagree on encryption", types.ErrNotReady)
	}

	formed, err := view.HasPeerGroup()
	if err != nil {
		return Result{}, err
	}
	if !formed {
		return Result{Status: types.StatusNoPeerGroup},
			fmt.Errorf("%w: peer group not formed yet", types.ErrNotReady)
	}

	facts, err := view.BrokerFacts()
	if err != nil {
		return Result{}, err
	}
	if facts.Endpoints == "" {
		return Result{Status: types.StatusBrokerNotRelated}, nil
	}
	if !facts.Ready() {
		return Result{Status: types.StatusBrokerNoData},
			fmt.Errorf("%w: broker facts incomplete", types.ErrNotReady)
	}

	if a.IsLeader() {
		if err := a.reconcileCredentials(ctx); err != nil {
			return Result{}, err
		}
	}
	hasCreds, err := a.deps.Auth.HasInternalCredentials()
	if err != nil {
		return Result{}, err
	}
	if !hasCreds {
		return Result{Status: types.StatusNoCredentials},
			fmt.Errorf("%w: internal credentials not created yet", types.ErrNotReady)
	}

	tlsEnabled, err := view.TLSEnabled()
	if err != nil {
		return Result{}, err
	}
	if tlsEnabled {
		state, err := a.deps.Certs.State()
		if err != nil {
			return Result{}, err
		}
		if state.Status != types.CertStatusIssued {
			return Result{Status: types.StatusNoCertificate},
				fmt.Errorf("%w: certificate not issued yet", types.ErrNotReady)
		}
		if err := a.deps.Certs.InstallCA(); err != nil {
			return Result{}, err
		}
	}

	drifted, err := a.deps.Config.Reconcile()
	if err != nil {
		return Result{}, err
	}

	result := Result{RestartRequired: drifted}
	if drifted {
		if a.deps.Workload.Active() {
			if err := a.deps.Restart.RollingRestart(); err != nil {
				metrics.RestartsTotal.WithLabelValues("failed").Inc()
				return result, err
			}
			metrics.RestartsTotal.WithLabelValues("ok").Inc()
			result.RestartPerformed = true
		} else {
			if err := a.deps.Workload.Start(); err != nil {
				return result, fmt.Errorf("%w: start service: %v", types.ErrDependency, err)
			}
		}
	}

	result.Status, err = a.Status(ctx)
	if err != nil {
		return result, err
	}
	return result, nil
}

// reconcileCredentials converges internal and tenant principals. Leader only.
func (a *Agent) reconcileCredentials(ctx context.Context) error {
	hasCreds, err := a.deps.Auth.HasInternalCredentials()
	if err != nil {
		return err
	}
	if !hasCreds {
		if _, err := a.deps.Auth.BootstrapInternalUser(ctx); err != nil {
			return err
		}
	} else if err := a.deps.Auth.ReconcileInternalUsers(ctx); err != nil {
		return err
	}

	if err := a.deps.Auth.ReconcileTenants(ctx); err != nil {
		return err
	}
	metrics.PrincipalsTotal.Set(float64(len(a.deps.Auth.State())))
	return nil
}

// Status derives the node's current status, worst condition first
func (a *Agent) Status(ctx context.Context) (types.ClusterStatus, error) {
	view := a.deps.View

	mismatch, err := view.SecurityMismatch()
	if err != nil {
		return "", err
	}
	if mismatch {
		return types.StatusTLSMismatch, nil
	}

	formed, err := view.HasPeerGroup()
	if err != nil {
		return "", err
	}
	if !formed {
		return types.StatusNoPeerGroup, nil
	}

	facts, err := view.BrokerFacts()
	if err != nil {
		return "", err
	}
	if facts.Endpoints == "" {
		return types.StatusBrokerNotRelated, nil
	}
	if !facts.Ready() {
		return types.StatusBrokerNoData, nil
	}

	hasCreds, err := a.deps.Auth.HasInternalCredentials()
	if err != nil {
		return "", err
	}
	if !hasCreds {
		return types.StatusNoCredentials, nil
	}

	tlsEnabled, err := view.TLSEnabled()
	if err != nil {
		return "", err
	}
	if tlsEnabled {
		state, err := a.deps.Certs.State()
		if err != nil {
			return "", err
		}
		if state.Status != types.CertStatusIssued {
			return types.StatusNoCertificate, nil
		}
	}

	if !a.deps.Workload.Active() {
		return types.StatusServiceNotRunning, nil
	}

	probe := health.NewBrokerChecker(facts.Endpoints).Check(ctx)
	if !probe.Healthy {
		metrics.BrokerProbeFailures.Inc()
		return types.StatusBrokerNotConnected, nil
	}

	nodes, err := view.Nodes()
	if err != nil {
		return "", err
	}
	metrics.NodesTotal.Set(float64(len(nodes)))
	return types.StatusActive, nil
}

// Healthy reports whether the service runs and the broker answers
func (a *Agent) Healthy(ctx context.Context) bool {
	status, err := a.Status(ctx)
	if err != nil {
		return false
	}
	return status == types.StatusActive
}

// RotateCredential rotates an internal user's password and restarts the
// service so it picks up the new authorization file
func (a *Agent) RotateCredential(ctx context.Context, username, newSecret string) (string, error) {
	if !a.IsLeader() {
		return "", fmt.Errorf("%w: credential rotation is leader-only", types.ErrPermissionDenied)
	}
	secret, err := a.deps.Auth.RotateInternalUser(ctx, username, newSecret)
	if err != nil {
		return "", err
	}
	metrics.CredentialRotationsTotal.Inc()

	if a.deps.Workload.Active() {
		if err := a.deps.Restart.RollingRestart(); err != nil {
			return "", err
		}
	}
	return secret, nil
}

// FetchCredential returns an internal user's current password
func (a *Agent) FetchCredential(username string) (string, error) {
	return a.deps.Auth.FetchInternalCredential(username)
}

// SetPrivateKey replaces the node's TLS private key
func (a *Agent) SetPrivateKey(material string) error {
	return a.deps.Certs.ReplaceKey(material)
}

func logStatus(logger zerolog.Logger, status types.ClusterStatus) {
	event := logger.Info()
	switch status.LogLevel() {
	case "error":
		event = logger.Error()
	case "warn":
		event = logger.Warn()
	case "debug":
		event = logger.Debug()
	}
	event.Str("status", string(status)).Msg("node status")
}

// localIP finds the first global unicast address of the host
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || !ipNet.IP.IsGlobalUnicast() {
			continue
		}
		return ipNet.IP.String()
	}
	return ""
}
