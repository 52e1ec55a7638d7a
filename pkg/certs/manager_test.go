package certs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/steward/pkg/membership"
	"github.com/cuemby/steward/pkg/security"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
)

// fakeAuthority records submissions without issuing anything
type fakeAuthority struct {
	submitted []string
	renewed   [][2]string
	failNext  bool
}

func (f *fakeAuthority) Submit(csrPEM string) error {
	if f.failNext {
		f.failNext = false
		return errors.New("authority unreachable")
	}
	f.submitted = append(f.submitted, csrPEM)
	return nil
}

func (f *fakeAuthority) Renew(oldCSRPEM, newCSRPEM string) error {
	if f.failNext {
		f.failNext = false
		return errors.New("authority unreachable")
	}
	f.renewed = append(f.renewed, [2]string{oldCSRPEM, newCSRPEM})
	return nil
}

func newTestManager(t *testing.T, authority Authority) (*Manager, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore("node-0", func() bool { return true })

	// Node facts and a formed peer group
	seed := map[string]string{
		membership.KeyHostname: "registry-0",
		membership.KeyFQDN:     "registry-0.example.com",
		membership.KeyIP:       "10.0.0.1",
	}
	for key, value := range seed {
		if err := store.Put(storage.PartitionNode, "node-0", key, value); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	if err := store.Put(storage.PartitionShared, storage.SharedOwner, membership.KeyPeerGroup, membership.Enabled); err != nil {
		t.Fatalf("seed peer group: %v", err)
	}

	view := membership.NewView(store, "node-0")
	materials := security.Materials{Dir: t.TempDir()}
	return NewManager(store, view, materials, authority), store
}

// issueTo walks a manager from absent to issued through a real in-process
// authority and returns what was issued
func issueTo(t *testing.T, mgr *Manager, authority *security.LocalAuthority) (csr, cert, ca string) {
	t.Helper()
	authority.OnIssued = func(csrPEM, certPEM, caPEM string) {
		csr, cert, ca = csrPEM, certPEM, caPEM
	}

	if err := mgr.EnsureKey(); err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	if err := mgr.RequestCertificate(); err != nil {
		t.Fatalf("RequestCertificate: %v", err)
	}
	if cert == "" {
		t.Fatal("authority issued nothing")
	}
	if err := mgr.HandleIssued(csr, cert, ca); err != nil {
		t.Fatalf("HandleIssued: %v", err)
	}
	return csr, cert, ca
}

func newLocalAuthority(t *testing.T) *security.LocalAuthority {
	t.Helper()
	authority := security.NewLocalAuthority()
	if err := authority.Initialize(); err != nil {
		t.Fatalf("initialize authority: %v", err)
	}
	return authority
}

func TestLifecycleToIssued(t *testing.T) {
	authority := newLocalAuthority(t)
	mgr, _ := newTestManager(t, authority)

	state, err := mgr.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Status != types.CertStatusAbsent {
		t.Fatalf("fresh node status = %s, want absent", state.Status)
	}

	if err := mgr.EnsureKey(); err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	state, _ = mgr.State()
	if state.Status != types.CertStatusKeyGenerated || state.PrivateKey == "" {
		t.Fatalf("after EnsureKey: status=%s key present=%v", state.Status, state.PrivateKey != "")
	}

	var issuedCert string
	authority.OnIssued = func(csrPEM, certPEM, caPEM string) { issuedCert = certPEM }
	if err := mgr.RequestCertificate(); err != nil {
		t.Fatalf("RequestCertificate: %v", err)
	}
	state, _ = mgr.State()
	if state.Status != types.CertStatusCSRPending || state.PendingCSR == "" {
		t.Fatalf("after request: status=%s csr present=%v", state.Status, state.PendingCSR != "")
	}

	if err := mgr.HandleIssued(state.PendingCSR, issuedCert, authority.CACertPEM()); err != nil {
		t.Fatalf("HandleIssued: %v", err)
	}
	state, _ = mgr.State()
	if state.Status != types.CertStatusIssued || state.Certificate == "" {
		t.Fatalf("after issuance: status=%s cert present=%v", state.Status, state.Certificate != "")
	}

	// Artifacts land on disk
	for _, path := range []string{mgr.Materials().KeyPath(), mgr.Materials().CertPath(), mgr.Materials().CAPath()} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing artifact %s: %v", filepath.Base(path), err)
		}
	}
}

func TestHandleIssuedRejectsMismatchedCSR(t *testing.T) {
	authority := &fakeAuthority{}
	mgr, _ := newTestManager(t, authority)

	if err := mgr.EnsureKey(); err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	if err := mgr.RequestCertificate(); err != nil {
		t.Fatalf("RequestCertificate: %v", err)
	}

	err := mgr.HandleIssued("-----BEGIN CERTIFICATE REQUEST-----\nstale\n-----END CERTIFICATE REQUEST-----", "cert", "ca")
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	// Nothing was installed
	state, _ := mgr.State()
	if state.Certificate != "" || state.Status != types.CertStatusCSRPending {
		t.Errorf("mismatched certificate mutated state: %+v", state.Status)
	}
	if _, err := os.Stat(mgr.Materials().CertPath()); !os.IsNotExist(err) {
		t.Error("mismatched certificate reached disk")
	}
}

func TestRequestCertificateSubmitFailureLeavesStateUntouched(t *testing.T) {
	authority := &fakeAuthority{failNext: true}
	mgr, _ := newTestManager(t, authority)

	if err := mgr.EnsureKey(); err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	if err := mgr.RequestCertificate(); !errors.Is(err, types.ErrDependency) {
		t.Fatalf("expected ErrDependency, got %v", err)
	}

	// The node stays at key_generated with no half-recorded request
	state, _ := mgr.State()
	if state.Status != types.CertStatusKeyGenerated {
		t.Errorf("status = %s, want key_generated after failed submission", state.Status)
	}
	if state.PendingCSR != "" {
		t.Error("a CSR was persisted for a request the authority never saw")
	}

	// The next pass retries and goes through
	if err := mgr.RequestCertificate(); err != nil {
		t.Fatalf("retry RequestCertificate: %v", err)
	}
	state, _ = mgr.State()
	if state.Status != types.CertStatusCSRPending || state.PendingCSR == "" {
		t.Errorf("after retry: status=%s csr present=%v", state.Status, state.PendingCSR != "")
	}
	if len(authority.submitted) != 1 || authority.submitted[0] != state.PendingCSR {
		t.Errorf("submitted CSRs do not match persisted state: %d", len(authority.submitted))
	}
}

func TestRenewalFailureLeavesNodeExpiring(t *testing.T) {
	authority := newLocalAuthority(t)
	mgr, _ := newTestManager(t, authority)
	issueTo(t, mgr, authority)

	before, _ := mgr.State()
	renewAuthority := &fakeAuthority{failNext: true}
	mgr.authority = renewAuthority

	if err := mgr.HandleExpiring(); !errors.Is(err, types.ErrDependency) {
		t.Fatalf("expected ErrDependency, got %v", err)
	}

	// The aging certificate is recorded and the old CSR survives for retry
	state, _ := mgr.State()
	if state.Status != types.CertStatusExpiring {
		t.Errorf("status = %s, want expiring after failed renewal", state.Status)
	}
	if state.PendingCSR != before.PendingCSR {
		t.Error("failed renewal replaced the outstanding CSR")
	}

	if err := mgr.HandleExpiring(); err != nil {
		t.Fatalf("retry HandleExpiring: %v", err)
	}
	state, _ = mgr.State()
	if state.Status != types.CertStatusCSRPending {
		t.Errorf("status = %s, want csr_pending after successful renewal", state.Status)
	}
}

func TestRenewalBuildsFreshCSR(t *testing.T) {
	authority := newLocalAuthority(t)
	mgr, _ := newTestManager(t, authority)
	issueTo(t, mgr, authority)

	before, _ := mgr.State()
	renewAuthority := &fakeAuthority{}
	mgr.authority = renewAuthority

	if err := mgr.HandleExpiring(); err != nil {
		t.Fatalf("HandleExpiring: %v", err)
	}

	if len(renewAuthority.renewed) != 1 {
		t.Fatalf("expected one renewal, got %d", len(renewAuthority.renewed))
	}
	old, fresh := renewAuthority.renewed[0][0], renewAuthority.renewed[0][1]
	if old != before.PendingCSR {
		t.Error("renewal did not reference the outstanding CSR")
	}
	if fresh == old {
		t.Error("renewal resubmitted the old CSR")
	}

	after, _ := mgr.State()
	if after.Status != types.CertStatusCSRPending || after.PendingCSR != fresh {
		t.Errorf("after renewal: status=%s, csr updated=%v", after.Status, after.PendingCSR == fresh)
	}
}

func TestRelationBrokenWipesEverythingButKey(t *testing.T) {
	authority := newLocalAuthority(t)
	mgr, _ := newTestManager(t, authority)
	issueTo(t, mgr, authority)

	if err := mgr.HandleRelationBroken(); err != nil {
		t.Fatalf("HandleRelationBroken: %v", err)
	}

	state, _ := mgr.State()
	if state.PendingCSR != "" || state.Certificate != "" || state.CAChain != "" {
		t.Errorf("TLS material survived relation loss: %+v", state)
	}
	if state.Status != types.CertStatusAbsent {
		t.Errorf("status = %s, want absent", state.Status)
	}
	if state.PrivateKey == "" {
		t.Error("locally generated private key was wiped")
	}

	for _, path := range []string{mgr.Materials().CertPath(), mgr.Materials().CAPath()} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("artifact %s survived relation loss", filepath.Base(path))
		}
	}

	// Rejoining reuses the surviving key
	if err := mgr.EnsureKey(); err != nil {
		t.Fatalf("EnsureKey after rejoin: %v", err)
	}
	rejoined, _ := mgr.State()
	if rejoined.Status != types.CertStatusKeyGenerated {
		t.Errorf("rejoin status = %s, want key_generated", rejoined.Status)
	}
	if rejoined.PrivateKey != state.PrivateKey {
		t.Error("rejoin replaced the surviving key")
	}
}

func TestReplaceKeyForcesNewRequest(t *testing.T) {
	authority := newLocalAuthority(t)
	mgr, _ := newTestManager(t, authority)
	issueTo(t, mgr, authority)

	before, _ := mgr.State()
	if err := mgr.ReplaceKey(""); err != nil {
		t.Fatalf("ReplaceKey: %v", err)
	}

	after, _ := mgr.State()
	if after.PrivateKey == before.PrivateKey {
		t.Error("key was not replaced")
	}
	if after.Status != types.CertStatusCSRPending {
		t.Errorf("status = %s, want csr_pending after key replacement", after.Status)
	}
	if after.PendingCSR == before.PendingCSR {
		t.Error("key replacement did not build a new CSR")
	}
}

func TestReplaceKeyRejectsGarbage(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeAuthority{})

	err := mgr.ReplaceKey("not a key at all")
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestInstallCAFallsBackToOwnChain(t *testing.T) {
	authority := newLocalAuthority(t)
	mgr, store := newTestManager(t, authority)
	issueTo(t, mgr, authority)

	// Broker advertises the marker value instead of a real chain
	if err := store.Put(storage.PartitionShared, storage.SharedOwner, membership.KeyBrokerCA, membership.Enabled); err != nil {
		t.Fatalf("seed broker CA: %v", err)
	}
	if err := mgr.InstallCA(); err != nil {
		t.Fatalf("InstallCA: %v", err)
	}

	content, err := os.ReadFile(mgr.Materials().CAPath())
	if err != nil {
		t.Fatalf("read CA file: %v", err)
	}
	if string(content) != authority.CACertPEM() {
		t.Error("fallback did not install the node's own CA chain")
	}
}
