package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/rs/zerolog"

	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/membership"
	"github.com/cuemby/steward/pkg/security"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/workload"
)

// Resource patterns for the fixed role policy
const (
	resourceAll     = ".*"
	resourceConfig  = "Config:"
	subjectTemplate = "Subject:%s.*"
)

// Manager owns the authoritative principal → credential → permission mapping
// and renders it to the registry's authorization file.
//
// The in-memory state is loaded from the authorization file once at
// construction; after that, operations mutate only the model. Render must be
// invoked to persist changes:
//
//	mgr, _ := auth.NewManager(...)
//	mgr.EnsurePrincipal(ctx, username, password, types.RoleUser, subject, false)
//	mgr.Render()
type Manager struct {
	store        storage.Store
	view         *membership.View
	workload     workload.Workload
	hasher       workload.PasswordHasher
	authFilePath string

	entries map[string]*types.AuthEntry
	logger  zerolog.Logger
}

// NewManager creates the credential manager and loads current state from the
// authorization file, when one exists
func NewManager(store storage.Store, view *membership.View, wl workload.Workload, hasher workload.PasswordHasher, authFilePath string) (*Manager, error) {
	m := &Manager{
		store:        store,
		view:         view,
		workload:     wl,
		hasher:       hasher,
		authFilePath: authFilePath,
		entries:      make(map[string]*types.AuthEntry),
		logger:       log.WithComponent("auth"),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// load parses the authorization file into the internal mapping
func (m *Manager) load() error {
	raw, err := m.workload.Read(m.authFilePath)
	if err != nil {
		return fmt.Errorf("failed to read authorization file: %w", err)
	}
	if raw == "" {
		return nil
	}

	var file types.AuthFile
	if err := json.Unmarshal([]byte(raw), &file); err != nil {
		return fmt.Errorf("failed to parse authorization file: %w", err)
	}

	for _, user := range file.Users {
		entry := &types.AuthEntry{Credentials: user}
		for _, perm := range file.Permissions {
			if perm.Username == user.Username {
				entry.Permissions = append(entry.Permissions, perm)
			}
		}
		m.entries[user.Username] = entry
	}
	return nil
}

// HasPrincipal reports whether a principal is present in the model
func (m *Manager) HasPrincipal(username string) bool {
	_, ok := m.entries[username]
	return ok
}

// EnsurePrincipal installs a principal with the permissions for its role.
// When the username already exists and replace is false, the call is a
// no-op. Hashing is delegated to the external utility; on failure, prior
// state is left untouched.
func (m *Manager) EnsurePrincipal(ctx context.Context, username, password string, role types.Role, subject string, replace bool) error {
	if _, exists := m.entries[username]; exists && !replace {
		m.logger.Info().Str("username", username).Msg("principal already exists, skipping creation")
		return nil
	}

	// Validate the role and hash before touching the model: a failure on
	// either must not leave a half-installed entry
	permissions, err := permissionsForRole(username, role, subject)
	if err != nil {
		return err
	}
	principal, err := m.hasher.MkPasswd(ctx, username, password)
	if err != nil {
		return err
	}

	m.entries[username] = &types.AuthEntry{
		Credentials: principal,
		Permissions: permissions,
	}
	return nil
}

// SetPermissions fully replaces the permission list for a principal from the
// fixed role policy. Replacing rather than merging avoids stale-rule
// accumulation when roles change.
func (m *Manager) SetPermissions(username string, role types.Role, subject string) error {
	entry, ok := m.entries[username]
	if !ok {
		m.logger.Warn().Str("username", username).Msg("principal does not exist, skipping permission update")
		return nil
	}

	permissions, err := permissionsForRole(username, role, subject)
	if err != nil {
		return err
	}
	entry.Permissions = permissions
	return nil
}

// permissionsForRole expands the fixed role policy into a permission list
func permissionsForRole(username string, role types.Role, subject string) ([]types.Permission, error) {
	switch role {
	case types.RoleAdmin:
		return []types.Permission{{
			Username:  username,
			Operation: types.OperationWrite,
			Resource:  resourceAll,
		}}, nil
	case types.RoleUser:
		return []types.Permission{
			{
				Username:  username,
				Operation: types.OperationRead,
				Resource:  resourceConfig,
			},
			{
				Username:  username,
				Operation: types.OperationRead,
				Resource:  fmt.Sprintf(subjectTemplate, subject),
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown role %q", types.ErrValidation, role)
	}
}

// RemovePrincipal deletes a principal and its permissions together. A
// principal never survives without exactly its current permission set.
func (m *Manager) RemovePrincipal(username string) {
	delete(m.entries, username)
}

// Render serializes the model to the authorization file with total-replace
// semantics: the complete file is written on every call, since partial
// writes cannot express deletions safely.
func (m *Manager) Render() error {
	usernames := make([]string, 0, len(m.entries))
	for username := range m.entries {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)

	file := types.AuthFile{
		Users:       []types.Principal{},
		Permissions: []types.Permission{},
	}
	for _, username := range usernames {
		entry := m.entries[username]
		file.Users = append(file.Users, entry.Credentials)
		file.Permissions = append(file.Permissions, entry.Permissions...)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal authorization file: %w", err)
	}

	m.logger.Debug().Int("users", len(file.Users)).Int("permissions", len(file.Permissions)).Msg("writing authorization file")
	return m.workload.Write(m.authFilePath, string(data))
}

// State returns a copy of the in-memory authorization model
func (m *Manager) State() map[string]types.AuthEntry {
	state := make(map[string]types.AuthEntry, len(m.entries))
	for username, entry := range m.entries {
		state[username] = types.AuthEntry{
			Credentials: entry.Credentials,
			Permissions: slices.Clone(entry.Permissions),
		}
	}
	return state
}

// BootstrapInternalUser creates the operator account, the fleet's founding
// trust anchor: fresh random secret, admin grant, render, then publication
// into the secret partition. Safe to re-invoke (replace semantics) so leader
// failover mid-bootstrap cannot wedge the fleet.
func (m *Manager) BootstrapInternalUser(ctx context.Context) (string, error) {
	password, err := security.GeneratePassword()
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrDependency, err)
	}

	if err := m.EnsurePrincipal(ctx, types.AdminUser, password, types.RoleAdmin, resourceAll, true); err != nil {
		return "", err
	}
	if err := m.Render(); err != nil {
		return "", err
	}

	if err := m.store.Put(storage.PartitionSecret, storage.SharedOwner, membership.KeyOperatorPassword, password); err != nil {
		return "", err
	}
	return password, nil
}

// RotateInternalUser replaces an internal account's secret. The username
// must belong to the fixed internal set and the new secret must differ from
// every currently known internal secret. An empty newSecret generates one.
func (m *Manager) RotateInternalUser(ctx context.Context, username, newSecret string) (string, error) {
	if !slices.Contains(types.InternalUsers, username) {
		return "", fmt.Errorf("%w: can only update internal users %v, not %q",
			types.ErrValidation, types.InternalUsers, username)
	}

	current, err := m.internalCredentials()
	if err != nil {
		return "", err
	}

	if newSecret == "" {
		if newSecret, err = security.GeneratePassword(); err != nil {
			return "", fmt.Errorf("%w: %v", types.ErrDependency, err)
		}
	}
	for _, password := range current {
		if password == newSecret {
			return "", fmt.Errorf("%w: secret already in use, choose a different one", types.ErrValidation)
		}
	}

	if err := m.EnsurePrincipal(ctx, username, newSecret, types.RoleAdmin, resourceAll, true); err != nil {
		return "", err
	}
	if err := m.Render(); err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s-password", username)
	if err := m.store.Put(storage.PartitionSecret, storage.SharedOwner, key, newSecret); err != nil {
		return "", err
	}
	return newSecret, nil
}

// ReconcileInternalUsers re-installs every internal account from the secrets
// currently published in the store, then renders. Followers converge on the
// leader's published credentials through this path.
func (m *Manager) ReconcileInternalUsers(ctx context.Context) error {
	credentials, err := m.internalCredentials()
	if err != nil {
		return err
	}

	for username, password := range credentials {
		if err := m.EnsurePrincipal(ctx, username, password, types.RoleAdmin, resourceAll, true); err != nil {
			return err
		}
	}
	return m.Render()
}

// ReconcileTenants re-installs every provisioned tenant from current fleet
// state, then renders. Tenants whose credential is not yet published are
// skipped; they are completed by a later pass once the secret lands.
func (m *Manager) ReconcileTenants(ctx context.Context) error {
	superUsers, err := m.view.SuperUsers()
	if err != nil {
		return err
	}
	clients, err := m.view.Clients()
	if err != nil {
		return err
	}

	for _, client := range clients {
		password, err := m.view.TenantPassword(client.RelationID)
		if err != nil {
			return err
		}
		if password == "" {
			continue
		}

		role := types.RoleUser
		if slices.Contains(superUsers, client.Username) {
			role = types.RoleAdmin
		}
		if err := m.EnsurePrincipal(ctx, client.Username, password, role, client.Subject, true); err != nil {
			return err
		}
	}
	return m.Render()
}

// ProvisionTenant creates (or refreshes) a tenant account for an external
// consumer relationship and publishes its credential and metadata. The
// returned password is handed back to the consumer. Leader-only: the store
// rejects the publication otherwise.
func (m *Manager) ProvisionTenant(ctx context.Context, relationID, subject, roles string) (string, error) {
	username := types.TenantUsername(relationID)

	role := types.RoleUser
	client := membership.TenantClient{Roles: roles}
	if client.AdminRequested() {
		role = types.RoleAdmin
	}

	// Reuse the published password when one exists, so re-provisioning is
	// idempotent across reconciliation passes
	password, err := m.view.TenantPassword(relationID)
	if err != nil {
		return "", err
	}
	if password == "" {
		if password, err = security.GeneratePassword(); err != nil {
			return "", fmt.Errorf("%w: %v", types.ErrDependency, err)
		}
	}

	if err := m.EnsurePrincipal(ctx, username, password, role, subject, true); err != nil {
		return "", err
	}
	if err := m.Render(); err != nil {
		return "", err
	}

	if err := m.store.Put(storage.PartitionSecret, storage.SharedOwner, username, password); err != nil {
		return "", err
	}
	if err := m.store.Put(storage.PartitionShared, storage.SharedOwner, membership.TenantSubjectKey(relationID), subject); err != nil {
		return "", err
	}
	if err := m.store.Put(storage.PartitionShared, storage.SharedOwner, membership.TenantRolesKey(relationID), roles); err != nil {
		return "", err
	}
	return password, nil
}

// DeprovisionTenant removes a tenant account and retracts its published
// credential and metadata. Principal and permissions vanish together.
func (m *Manager) DeprovisionTenant(relationID string) error {
	username := types.TenantUsername(relationID)
	m.RemovePrincipal(username)
	if err := m.Render(); err != nil {
		return err
	}

	for _, del := range []struct {
		partition storage.Partition
		key       string
	}{
		{storage.PartitionSecret, username},
		{storage.PartitionShared, membership.TenantSubjectKey(relationID)},
		{storage.PartitionShared, membership.TenantRolesKey(relationID)},
	} {
		if err := m.store.Put(del.partition, storage.SharedOwner, del.key, ""); err != nil {
			return err
		}
	}
	return nil
}

// FetchInternalCredential returns the published secret for an internal
// account. Fails when the authorization file has not been rendered yet.
func (m *Manager) FetchInternalCredential(username string) (string, error) {
	if !slices.Contains(types.InternalUsers, username) {
		return "", fmt.Errorf("%w: unknown internal user %q", types.ErrValidation, username)
	}

	raw, err := m.workload.Read(m.authFilePath)
	if err != nil {
		return "", err
	}
	if raw == "" {
		return "", fmt.Errorf("%w: authorization file not found on this node", types.ErrNotReady)
	}

	key := fmt.Sprintf("%s-password", username)
	password, err := m.store.Get(storage.PartitionSecret, storage.SharedOwner, key)
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", fmt.Errorf("%w: no credential published for %q", types.ErrNotReady, username)
	}
	return password, nil
}

// HasInternalCredentials reports whether every internal account has a
// published secret. All-or-nothing, matching bootstrap semantics.
func (m *Manager) HasInternalCredentials() (bool, error) {
	credentials, err := m.internalCredentials()
	if err != nil {
		return false, err
	}
	return len(credentials) == len(types.InternalUsers), nil
}

// internalCredentials reads the published secrets for the fixed internal
// set. Returns an empty map unless every internal user has one.
func (m *Manager) internalCredentials() (map[string]string, error) {
	credentials := make(map[string]string)
	for _, username := range types.InternalUsers {
		key := fmt.Sprintf("%s-password", username)
		password, err := m.store.Get(storage.PartitionSecret, storage.SharedOwner, key)
		if err != nil {
			return nil, err
		}
		if password != "" {
			credentials[username] = password
		}
	}
	if len(credentials) != len(types.InternalUsers) {
		return map[string]string{}, nil
	}
	return credentials, nil
}
