package types

import (
	"fmt"
	"time"
)

// AdminUser is the internal operator account created at cluster bootstrap
const AdminUser = "operator"

// InternalUsers is the fixed set of accounts managed by the agent itself
var InternalUsers = []string{AdminUser}

const (
	// RegistryPort is the port the schema registry listens on
	RegistryPort = 8081

	// SchemasTopic is the broker topic backing the registry
	SchemasTopic = "_schemas"

	// ConsumerGroup is the broker consumer group used by the registry
	ConsumerGroup = "schema-registry"
)

// Role defines the authorization role granted to a principal
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Operation is an action a principal may perform on a resource
type Operation string

const (
	OperationRead  Operation = "Read"
	OperationWrite Operation = "Write"
)

// HashAlgorithm identifies the one-way hash used for stored credentials.
// Hashing is delegated to the registry's own utility, which produces sha512.
type HashAlgorithm string

// AlgorithmSHA512 is the only algorithm the registry's hashing utility emits
const AlgorithmSHA512 HashAlgorithm = "sha512"

// Principal is an authentication identity stored in the authorization file
type Principal struct {
	Username     string        `json:"username"`
	Algorithm    HashAlgorithm `json:"algorithm"`
	Salt         string        `json:"salt"`
	PasswordHash string        `json:"password_hash"`
}

// Permission binds a principal, an operation, and a resource pattern
type Permission struct {
	Username  string    `json:"username"`
	Operation Operation `json:"operation"`
	Resource  string    `json:"resource"`
}

// AuthEntry groups a principal with its current permission set.
// A principal must never exist without exactly matching its permissions,
// so the two are installed and removed together.
type AuthEntry struct {
	Credentials Principal
	Permissions []Permission
}

// AuthFile is the on-disk authorization artifact consumed by the registry.
// It is always written whole; partial writes cannot express deletions.
type AuthFile struct {
	Users       []Principal  `json:"users"`
	Permissions []Permission `json:"permissions"`
}

// NodeRole defines whether a node currently holds fleet leadership
type NodeRole string

const (
	NodeRoleLeader   NodeRole = "leader"
	NodeRoleFollower NodeRole = "follower"
)

// Node represents one cooperating server in the fleet
type Node struct {
	ID       string   `json:"id"`
	Address  string   `json:"address"`
	Hostname string   `json:"hostname"`
	FQDN     string   `json:"fqdn"`
	Role     NodeRole `json:"role"`
}

// CertificateStatus tracks the per-node TLS lifecycle state machine
type CertificateStatus string

const (
	CertStatusAbsent       CertificateStatus = "absent"
	CertStatusKeyGenerated CertificateStatus = "key_generated"
	CertStatusCSRPending   CertificateStatus = "csr_pending"
	CertStatusIssued       CertificateStatus = "issued"
	CertStatusExpiring     CertificateStatus = "expiring"
)

// CertificateState is the per-node TLS material tracked in the node partition
type CertificateState struct {
	PrivateKey  string            `json:"private_key"`
	PendingCSR  string            `json:"csr"`
	Certificate string            `json:"certificate"`
	CAChain     string            `json:"ca_chain"`
	Status      CertificateStatus `json:"status"`
}

// RestartLock is the single fleet-wide mutual-exclusion token gating restarts
type RestartLock struct {
	HeldBy     string    `json:"held_by"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Held reports whether any node currently owns the lock
func (l RestartLock) Held() bool {
	return l.HeldBy != ""
}

// ConfigSnapshot is the last successfully rendered service configuration
// plus its content fingerprint, used for drift detection
type ConfigSnapshot struct {
	Document    map[string]any `json:"document"`
	Fingerprint string         `json:"fingerprint"`
	RenderedAt  time.Time      `json:"rendered_at"`
}

// TenantUsername derives the deterministic principal name for an external
// consumer relationship, so provisioning is idempotent and re-derivable
func TenantUsername(relationID string) string {
	return fmt.Sprintf("relation-%s", relationID)
}
