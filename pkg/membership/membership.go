package membership

import (
	"fmt"
	"strings"

	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
)

// Node-partition keys advertised by every member
const (
	KeyHostname       = "hostname"
	KeyIP             = "ip"
	KeyPrivateAddress = "private-address"
	KeyFQDN           = "fqdn"
)

// Shared-partition keys owned by the leader
const (
	KeyPeerGroup  = "peer-group"
	KeyTLS        = "tls"
	KeySuperUsers = "super-users"
	KeyDeparting  = "departing"

	KeyBrokerEndpoints = "broker-endpoints"
	KeyBrokerUsername  = "broker-username"
	KeyBrokerTopic     = "broker-topic"
	KeyBrokerTLS       = "broker-tls"
	KeyBrokerCA        = "broker-ca"
)

// Secret-partition keys
const (
	KeyOperatorPassword = "operator-password"
	KeyBrokerPassword   = "broker-password"
)

// Enabled is the marker value used for boolean flags in the store
const Enabled = "enabled"

// BrokerFacts are the connection parameters the external broker advertises
type BrokerFacts struct {
	Endpoints string
	Username  string
	Password  string
	Topic     string
	TLS       bool
	CAChain   string
}

// Ready reports whether every fact required to connect is present
func (f BrokerFacts) Ready() bool {
	return f.Endpoints != "" && f.Username != "" && f.Password != "" && f.Topic != ""
}

// TenantClient describes one external consumer relationship
type TenantClient struct {
	RelationID string
	Username   string
	Subject    string
	Roles      string
}

// AdminRequested reports whether the tenant asked for admin rights
func (c TenantClient) AdminRequested() bool {
	for _, role := range strings.Split(c.Roles, ",") {
		if strings.TrimSpace(role) == string(types.RoleAdmin) {
			return true
		}
	}
	return false
}

// View computes fleet membership and external dependency state from the
// shared store. Pure read side: a View never mutates.
type View struct {
	store    storage.Store
	localID  string
	leaderID func() string
}

// NewView creates a membership view for the local node
func NewView(store storage.Store, localID string) *View {
	return &View{store: store, localID: localID}
}

// WithLeader attaches a leadership source so Nodes can mark the current
// leader. Without one, every node reports as a follower.
func (v *View) WithLeader(leaderID func() string) *View {
	v.leaderID = leaderID
	return v
}

// LocalID returns the id of the node this view runs on
func (v *View) LocalID() string {
	return v.localID
}

// HasPeerGroup reports whether the fleet's peer group has been formed yet
func (v *View) HasPeerGroup() (bool, error) {
	formed, err := v.store.Get(storage.PartitionShared, storage.SharedOwner, KeyPeerGroup)
	if err != nil {
		return false, err
	}
	return formed != "", nil
}

// Nodes returns every member with a visible node partition, the local node
// included. Departure has no reliable delete signal, so membership is
// whatever the store currently shows.
func (v *View) Nodes() ([]types.Node, error) {
	owners, err := v.store.Owners(storage.PartitionNode)
	if err != nil {
		return nil, fmt.Errorf("failed to list node owners: %w", err)
	}

	seen := false
	nodes := make([]types.Node, 0, len(owners)+1)
	for _, owner := range owners {
		node, err := v.node(owner)
		if err != nil {
			return nil, err
		}
		if owner == v.localID {
			seen = true
		}
		nodes = append(nodes, node)
	}
	if !seen {
		nodes = append(nodes, types.Node{ID: v.localID, Role: v.role(v.localID)})
	}
	return nodes, nil
}

// Host resolves the advertised host for a node. The fully qualified name
// from the node partition wins when present; otherwise the first non-empty
// of hostname, ip, private-address is used.
func (v *View) Host(nodeID string) (string, error) {
	for _, key := range []string{KeyFQDN, KeyHostname, KeyIP, KeyPrivateAddress} {
		value, err := v.store.Get(storage.PartitionNode, nodeID, key)
		if err != nil {
			return "", err
		}
		if value != "" {
			return value, nil
		}
	}
	return "", nil
}

// BrokerFacts reads the external dependency's advertised connection facts
func (v *View) BrokerFacts() (BrokerFacts, error) {
	var facts BrokerFacts
	var err error

	read := func(partition storage.Partition, key string) string {
		if err != nil {
			return ""
		}
		var value string
		value, err = v.store.Get(partition, storage.SharedOwner, key)
		return value
	}

	facts.Endpoints = read(storage.PartitionShared, KeyBrokerEndpoints)
	facts.Username = read(storage.PartitionShared, KeyBrokerUsername)
	facts.Topic = read(storage.PartitionShared, KeyBrokerTopic)
	facts.CAChain = read(storage.PartitionShared, KeyBrokerCA)
	facts.TLS = read(storage.PartitionShared, KeyBrokerTLS) == Enabled
	facts.Password = read(storage.PartitionSecret, KeyBrokerPassword)
	if err != nil {
		return BrokerFacts{}, err
	}
	return facts, nil
}

// DependencyReady reports whether the broker has advertised every fact
// required to connect
func (v *View) DependencyReady() (bool, error) {
	facts, err := v.BrokerFacts()
	if err != nil {
		return false, err
	}
	return facts.Ready(), nil
}

// TLSEnabled reports the fleet's own encryption flag
func (v *View) TLSEnabled() (bool, error) {
	flag, err := v.store.Get(storage.PartitionShared, storage.SharedOwner, KeyTLS)
	if err != nil {
		return false, err
	}
	return flag == Enabled, nil
}

// SecurityMismatch is true exactly when the fleet's encryption flag differs
// from the broker's. The fleet must not proceed while postures disagree.
func (v *View) SecurityMismatch() (bool, error) {
	ours, err := v.TLSEnabled()
	if err != nil {
		return false, err
	}
	facts, err := v.BrokerFacts()
	if err != nil {
		return false, err
	}
	return ours != facts.TLS, nil
}

// SecurityProtocol derives the connection protocol from the TLS posture
func (v *View) SecurityProtocol() (string, error) {
	enabled, err := v.TLSEnabled()
	if err != nil {
		return "", err
	}
	if enabled {
		return "SASL_SSL", nil
	}
	return "SASL_PLAINTEXT", nil
}

// Departing reports whether the whole application is going down, in which
// case tenant deprovisioning is skipped
func (v *View) Departing() (bool, error) {
	flag, err := v.store.Get(storage.PartitionShared, storage.SharedOwner, KeyDeparting)
	if err != nil {
		return false, err
	}
	return flag != "", nil
}

// Clients lists the currently provisioned tenant relationships, derived
// from the shared partition's relation metadata keys
func (v *View) Clients() ([]TenantClient, error) {
	keys, err := v.store.Keys(storage.PartitionShared, storage.SharedOwner)
	if err != nil {
		return nil, err
	}

	var clients []TenantClient
	for _, key := range keys {
		relationID, found := strings.CutPrefix(key, "relation-")
		if !found || !strings.HasSuffix(relationID, "-subject") {
			continue
		}
		relationID = strings.TrimSuffix(relationID, "-subject")

		subject, err := v.store.Get(storage.PartitionShared, storage.SharedOwner, TenantSubjectKey(relationID))
		if err != nil {
			return nil, err
		}
		roles, err := v.store.Get(storage.PartitionShared, storage.SharedOwner, TenantRolesKey(relationID))
		if err != nil {
			return nil, err
		}
		clients = append(clients, TenantClient{
			RelationID: relationID,
			Username:   types.TenantUsername(relationID),
			Subject:    subject,
			Roles:      roles,
		})
	}
	return clients, nil
}

// TenantPassword returns the published credential for a tenant, or "" when
// none has been published yet
func (v *View) TenantPassword(relationID string) (string, error) {
	return v.store.Get(storage.PartitionSecret, storage.SharedOwner, types.TenantUsername(relationID))
}

// SuperUsers returns the set of principals with admin-equivalent rights:
// the fixed internal users plus every tenant that requested admin and
// already has a published credential. A tenant with no credential yet is
// excluded so elevated trust is never granted ahead of the secret.
func (v *View) SuperUsers() ([]string, error) {
	users := append([]string{}, types.InternalUsers...)

	clients, err := v.Clients()
	if err != nil {
		return nil, err
	}
	for _, client := range clients {
		if !client.AdminRequested() {
			continue
		}
		password, err := v.TenantPassword(client.RelationID)
		if err != nil {
			return nil, err
		}
		if password != "" {
			users = append(users, client.Username)
		}
	}
	return users, nil
}

// role resolves a node's fleet role from the attached leadership source
func (v *View) role(owner string) types.NodeRole {
	if v.leaderID != nil && v.leaderID() == owner {
		return types.NodeRoleLeader
	}
	return types.NodeRoleFollower
}

func (v *View) node(owner string) (types.Node, error) {
	node := types.Node{ID: owner, Role: v.role(owner)}

	var err error
	read := func(key string) string {
		if err != nil {
			return ""
		}
		var value string
		value, err = v.store.Get(storage.PartitionNode, owner, key)
		return value
	}

	node.Hostname = read(KeyHostname)
	node.FQDN = read(KeyFQDN)
	node.Address = read(KeyIP)
	if node.Address == "" {
		node.Address = read(KeyPrivateAddress)
	}
	if err != nil {
		return types.Node{}, err
	}
	return node, nil
}

// TenantSubjectKey names the shared-partition subject entry for a tenant
func TenantSubjectKey(relationID string) string {
	return fmt.Sprintf("relation-%s-subject", relationID)
}

// TenantRolesKey names the shared-partition roles entry for a tenant
func TenantRolesKey(relationID string) string {
	return fmt.Sprintf("relation-%s-roles", relationID)
}
