package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/cuemby/steward/pkg/membership"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
)

const authFilePath = "/etc/steward/registry.authfile.json"

// fakeWorkload keeps rendered files in memory
type fakeWorkload struct {
	files  map[string]string
	active bool
}

func newFakeWorkload() *fakeWorkload {
	return &fakeWorkload{files: make(map[string]string)}
}

func (f *fakeWorkload) Start() error   { f.active = true; return nil }
func (f *fakeWorkload) Stop() error    { f.active = false; return nil }
func (f *fakeWorkload) Restart() error { f.active = true; return nil }
func (f *fakeWorkload) Active() bool   { return f.active }

func (f *fakeWorkload) Read(path string) (string, error) {
	return f.files[path], nil
}

func (f *fakeWorkload) Write(path, content string) error {
	f.files[path] = content
	return nil
}

// fakeHasher hashes deterministically and counts invocations
type fakeHasher struct {
	calls int
	fail  bool
}

func (f *fakeHasher) MkPasswd(ctx context.Context, username, password string) (types.Principal, error) {
	f.calls++
	if f.fail {
		return types.Principal{}, fmt.Errorf("%w: mkpasswd exited 1", types.ErrDependency)
	}
	return types.Principal{
		Username:     username,
		Algorithm:    types.AlgorithmSHA512,
		Salt:         "73616c74",
		PasswordHash: "hash:" + password,
	}, nil
}

func newTestManager(t *testing.T) (*Manager, *storage.MemStore, *fakeWorkload, *fakeHasher) {
	t.Helper()
	store := storage.NewMemStore("node-0", func() bool { return true })
	view := membership.NewView(store, "node-0")
	wl := newFakeWorkload()
	hasher := &fakeHasher{}

	mgr, err := NewManager(store, view, wl, hasher, authFilePath)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr, store, wl, hasher
}

func parseAuthFile(t *testing.T, wl *fakeWorkload) types.AuthFile {
	t.Helper()
	raw := wl.files[authFilePath]
	if raw == "" {
		t.Fatal("authorization file was not rendered")
	}
	var file types.AuthFile
	if err := json.Unmarshal([]byte(raw), &file); err != nil {
		t.Fatalf("parse authorization file: %v", err)
	}
	return file
}

func TestBootstrapInternalUser(t *testing.T) {
	mgr, store, wl, _ := newTestManager(t)

	password, err := mgr.BootstrapInternalUser(context.Background())
	if err != nil {
		t.Fatalf("BootstrapInternalUser: %v", err)
	}
	if password == "" {
		t.Fatal("expected a generated password")
	}

	// Exactly one principal with a single Write rule over all resources
	file := parseAuthFile(t, wl)
	if len(file.Users) != 1 || file.Users[0].Username != types.AdminUser {
		t.Fatalf("expected only %s in authfile, got %+v", types.AdminUser, file.Users)
	}
	if len(file.Permissions) != 1 {
		t.Fatalf("expected one permission, got %+v", file.Permissions)
	}
	perm := file.Permissions[0]
	if perm.Operation != types.OperationWrite || perm.Resource != ".*" {
		t.Errorf("unexpected admin permission: %+v", perm)
	}

	// The secret is published for the rest of the fleet
	published, err := store.Get(storage.PartitionSecret, storage.SharedOwner, membership.KeyOperatorPassword)
	if err != nil {
		t.Fatalf("read published secret: %v", err)
	}
	if published != password {
		t.Errorf("published secret %q does not match returned %q", published, password)
	}
}

func TestEnsurePrincipalIdempotent(t *testing.T) {
	mgr, _, _, hasher := newTestManager(t)
	ctx := context.Background()

	if err := mgr.EnsurePrincipal(ctx, "alice", "pw", types.RoleUser, "orders", false); err != nil {
		t.Fatalf("first EnsurePrincipal: %v", err)
	}
	if err := mgr.EnsurePrincipal(ctx, "alice", "other", types.RoleUser, "orders", false); err != nil {
		t.Fatalf("second EnsurePrincipal: %v", err)
	}

	if hasher.calls != 1 {
		t.Errorf("expected one hashing call, got %d", hasher.calls)
	}
	entry := mgr.State()["alice"]
	if entry.Credentials.PasswordHash != "hash:pw" {
		t.Errorf("existing credential was replaced: %+v", entry.Credentials)
	}
}

func TestEnsurePrincipalHashFailureLeavesStateUntouched(t *testing.T) {
	mgr, _, _, hasher := newTestManager(t)
	hasher.fail = true

	err := mgr.EnsurePrincipal(context.Background(), "alice", "pw", types.RoleUser, "orders", false)
	if !errors.Is(err, types.ErrDependency) {
		t.Fatalf("expected ErrDependency, got %v", err)
	}
	if mgr.HasPrincipal("alice") {
		t.Error("principal was installed despite hashing failure")
	}
}

func TestEnsurePrincipalUnknownRoleLeavesStateUntouched(t *testing.T) {
	mgr, _, _, hasher := newTestManager(t)

	err := mgr.EnsurePrincipal(context.Background(), "alice", "pw", types.Role("root"), "orders", false)
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown role, got %v", err)
	}
	if mgr.HasPrincipal("alice") {
		t.Error("principal was installed despite invalid role")
	}
	if hasher.calls != 0 {
		t.Errorf("password was hashed for an invalid role, %d calls", hasher.calls)
	}
}

func TestProvisionTenantPermissions(t *testing.T) {
	mgr, _, wl, _ := newTestManager(t)

	password, err := mgr.ProvisionTenant(context.Background(), "7", "test-topic", "user")
	if err != nil {
		t.Fatalf("ProvisionTenant: %v", err)
	}
	if password == "" {
		t.Fatal("expected a generated password")
	}

	file := parseAuthFile(t, wl)
	if len(file.Users) != 1 || file.Users[0].Username != "relation-7" {
		t.Fatalf("expected relation-7 in authfile, got %+v", file.Users)
	}

	want := []types.Permission{
		{Username: "relation-7", Operation: types.OperationRead, Resource: "Config:"},
		{Username: "relation-7", Operation: types.OperationRead, Resource: "Subject:test-topic.*"},
	}
	if len(file.Permissions) != len(want) {
		t.Fatalf("expected %d permissions, got %+v", len(want), file.Permissions)
	}
	for i, perm := range want {
		if file.Permissions[i] != perm {
			t.Errorf("permission %d: got %+v, want %+v", i, file.Permissions[i], perm)
		}
	}
}

func TestProvisionTenantReusesPublishedPassword(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.ProvisionTenant(ctx, "7", "test-topic", "user")
	if err != nil {
		t.Fatalf("first ProvisionTenant: %v", err)
	}
	second, err := mgr.ProvisionTenant(ctx, "7", "test-topic", "user")
	if err != nil {
		t.Fatalf("second ProvisionTenant: %v", err)
	}
	if first != second {
		t.Errorf("re-provisioning generated a new password: %q vs %q", first, second)
	}
}

func TestDeprovisionTenantFullReplace(t *testing.T) {
	mgr, store, wl, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.ProvisionTenant(ctx, "7", "orders", "user"); err != nil {
		t.Fatalf("provision 7: %v", err)
	}
	if _, err := mgr.ProvisionTenant(ctx, "9", "payments", "user"); err != nil {
		t.Fatalf("provision 9: %v", err)
	}

	if err := mgr.DeprovisionTenant("7"); err != nil {
		t.Fatalf("DeprovisionTenant: %v", err)
	}

	// The rendered file contains only the surviving tenant, credentials and
	// permissions both
	file := parseAuthFile(t, wl)
	if len(file.Users) != 1 || file.Users[0].Username != "relation-9" {
		t.Fatalf("expected only relation-9 after removal, got %+v", file.Users)
	}
	for _, perm := range file.Permissions {
		if perm.Username == "relation-7" {
			t.Errorf("stale permission survived removal: %+v", perm)
		}
	}

	// Published credential and metadata are retracted
	password, err := store.Get(storage.PartitionSecret, storage.SharedOwner, "relation-7")
	if err != nil {
		t.Fatalf("read retracted secret: %v", err)
	}
	if password != "" {
		t.Error("tenant secret survived removal")
	}
	subject, err := store.Get(storage.PartitionShared, storage.SharedOwner, membership.TenantSubjectKey("7"))
	if err != nil {
		t.Fatalf("read retracted subject: %v", err)
	}
	if subject != "" {
		t.Error("tenant subject survived removal")
	}
}

func TestRenderRoundTrip(t *testing.T) {
	mgr, store, wl, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.BootstrapInternalUser(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := mgr.ProvisionTenant(ctx, "3", "orders", "user"); err != nil {
		t.Fatalf("provision: %v", err)
	}

	// A fresh manager loading the rendered file reconstructs the same model
	view := membership.NewView(store, "node-0")
	reloaded, err := NewManager(store, view, wl, &fakeHasher{}, authFilePath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	before, after := mgr.State(), reloaded.State()
	if len(before) != len(after) {
		t.Fatalf("principal count changed across round trip: %d vs %d", len(before), len(after))
	}
	for username, entry := range before {
		got, ok := after[username]
		if !ok {
			t.Errorf("principal %s lost in round trip", username)
			continue
		}
		if got.Credentials != entry.Credentials {
			t.Errorf("credentials for %s changed: %+v vs %+v", username, got.Credentials, entry.Credentials)
		}
		if len(got.Permissions) != len(entry.Permissions) {
			t.Errorf("permissions for %s changed: %+v vs %+v", username, got.Permissions, entry.Permissions)
		}
	}
}

func TestRotateInternalUserRejectsReuse(t *testing.T) {
	mgr, _, wl, _ := newTestManager(t)
	ctx := context.Background()

	password, err := mgr.BootstrapInternalUser(ctx)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	rendered := wl.files[authFilePath]

	// Submitting the current secret again must fail and change nothing
	_, err = mgr.RotateInternalUser(ctx, types.AdminUser, password)
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation on reuse, got %v", err)
	}
	if wl.files[authFilePath] != rendered {
		t.Error("authorization file changed on rejected rotation")
	}

	// And a second identical attempt fails the same way
	_, err = mgr.RotateInternalUser(ctx, types.AdminUser, password)
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation on second reuse, got %v", err)
	}

	// A generated secret differs and goes through
	rotated, err := mgr.RotateInternalUser(ctx, types.AdminUser, "")
	if err != nil {
		t.Fatalf("rotate with generated secret: %v", err)
	}
	if rotated == password {
		t.Error("generated secret equals the old one")
	}
}

func TestRotateInternalUserUnknownUser(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	_, err := mgr.RotateInternalUser(context.Background(), "mallory", "pw")
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestFetchInternalCredential(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	// Unknown user is a validation error
	if _, err := mgr.FetchInternalCredential("mallory"); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown user, got %v", err)
	}

	// Before the authorization file exists the credential is not fetchable
	if _, err := mgr.FetchInternalCredential(types.AdminUser); !errors.Is(err, types.ErrNotReady) {
		t.Fatalf("expected ErrNotReady without authfile, got %v", err)
	}

	password, err := mgr.BootstrapInternalUser(ctx)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	got, err := mgr.FetchInternalCredential(types.AdminUser)
	if err != nil {
		t.Fatalf("FetchInternalCredential: %v", err)
	}
	if got != password {
		t.Errorf("fetched %q, want %q", got, password)
	}
}

func TestSetPermissionsUnknownRole(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := mgr.EnsurePrincipal(ctx, "alice", "pw", types.RoleUser, "orders", false); err != nil {
		t.Fatalf("EnsurePrincipal: %v", err)
	}
	if err := mgr.SetPermissions("alice", types.Role("root"), ""); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown role, got %v", err)
	}

	// Missing principal is a logged no-op, not an error
	if err := mgr.SetPermissions("nobody", types.RoleUser, "orders"); err != nil {
		t.Fatalf("expected nil for missing principal, got %v", err)
	}
}

func TestReconcileTenantsSkipsUnpublished(t *testing.T) {
	mgr, store, wl, _ := newTestManager(t)
	ctx := context.Background()

	// Metadata present but no published credential yet
	if err := store.Put(storage.PartitionShared, storage.SharedOwner, membership.TenantSubjectKey("4"), "orders"); err != nil {
		t.Fatalf("seed subject: %v", err)
	}
	if err := store.Put(storage.PartitionShared, storage.SharedOwner, membership.TenantRolesKey("4"), "user"); err != nil {
		t.Fatalf("seed roles: %v", err)
	}

	if err := mgr.ReconcileTenants(ctx); err != nil {
		t.Fatalf("ReconcileTenants: %v", err)
	}
	file := parseAuthFile(t, wl)
	if len(file.Users) != 0 {
		t.Fatalf("tenant without credential was installed: %+v", file.Users)
	}

	// Once the credential lands, the next pass completes the tenant
	if err := store.Put(storage.PartitionSecret, storage.SharedOwner, "relation-4", "pw"); err != nil {
		t.Fatalf("publish credential: %v", err)
	}
	if err := mgr.ReconcileTenants(ctx); err != nil {
		t.Fatalf("second ReconcileTenants: %v", err)
	}
	file = parseAuthFile(t, wl)
	if len(file.Users) != 1 || file.Users[0].Username != "relation-4" {
		t.Fatalf("expected relation-4 after credential published, got %+v", file.Users)
	}
}
