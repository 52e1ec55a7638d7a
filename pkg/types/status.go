package types

// ClusterStatus enumerates the externally visible states of the agent.
// Ordering matters: when several conditions hold at once, the most specific
// actionable one is reported (TLS mismatch before generic not-ready, generic
// not-ready before broker-not-connected).
type ClusterStatus string

const (
	StatusActive             ClusterStatus = "active"
	StatusNoPeerGroup        ClusterStatus = "no peer group yet"
	StatusServiceNotRunning  ClusterStatus = "registry service not running"
	StatusBrokerNotRelated   ClusterStatus = "missing required broker relation"
	StatusBrokerNotConnected ClusterStatus = "unit not connected to broker"
	StatusTLSMismatch        ClusterStatus = "tls must be enabled on both registry and broker"
	StatusBrokerNoData       ClusterStatus = "broker credentials not created yet"
	StatusNoCredentials      ClusterStatus = "internal credentials not yet added"
	StatusNoCertificate      ClusterStatus = "unit waiting for signed certificates"
)

// LogLevel returns the severity at which a status transition should be logged
func (s ClusterStatus) LogLevel() string {
	switch s {
	case StatusServiceNotRunning, StatusBrokerNotConnected, StatusTLSMismatch:
		return "error"
	case StatusNoCertificate:
		return "info"
	default:
		return "debug"
	}
}

// Blocking reports whether the status prevents the registry from serving
func (s ClusterStatus) Blocking() bool {
	return s != StatusActive
}

// EventKind identifies a lifecycle or relation notification delivered by the
// host collaborator. The agent dispatches on these in a single entry point.
type EventKind string

const (
	EventInstall             EventKind = "install"
	EventStart               EventKind = "start"
	EventConfigChanged       EventKind = "config-changed"
	EventUpdateStatus        EventKind = "update-status"
	EventBrokerChanged       EventKind = "broker-changed"
	EventBrokerBroken        EventKind = "broker-broken"
	EventCARelationCreated   EventKind = "ca-relation-created"
	EventCARelationJoined    EventKind = "ca-relation-joined"
	EventCARelationBroken    EventKind = "ca-relation-broken"
	EventCertificateIssued   EventKind = "certificate-issued"
	EventCertificateExpiring EventKind = "certificate-expiring"
	EventTenantRequested     EventKind = "tenant-requested"
	EventTenantBroken        EventKind = "tenant-broken"
)
