package certs

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/membership"
	"github.com/cuemby/steward/pkg/security"
	"github.com/cuemby/steward/pkg/storage"
	"github.com/cuemby/steward/pkg/types"
)

// Node-partition keys holding per-node TLS material
const (
	KeyPrivateKey  = "private-key"
	KeyCSR         = "csr"
	KeyCertificate = "certificate"
	KeyCAChain     = "ca-cert"
	KeyStatus      = "cert-status"
)

// Authority is the external certificate authority relation. Submissions are
// asynchronous: a signed certificate arrives later as an issuance event.
// Both calls are slow, can fail, and must never run under the restart lock.
type Authority interface {
	Submit(csrPEM string) error
	Renew(oldCSRPEM, newCSRPEM string) error
}

// Manager drives the per-node certificate lifecycle:
//
//	absent → key_generated → csr_pending → issued
//	issued → expiring → csr_pending (renewal, always with a fresh CSR)
//	any    → absent                 (CA relation lost)
//
// Exactly one CSR is outstanding per node at a time, and a certificate is
// installed only when its signing request matches that CSR exactly.
type Manager struct {
	store     storage.Store
	view      *membership.View
	materials security.Materials
	authority Authority
	localID   string
	logger    zerolog.Logger
}

// NewManager creates the certificate lifecycle manager for the local node
func NewManager(store storage.Store, view *membership.View, materials security.Materials, authority Authority) *Manager {
	return &Manager{
		store:     store,
		view:      view,
		materials: materials,
		authority: authority,
		localID:   view.LocalID(),
		logger:    log.WithComponent("certs"),
	}
}

// Materials exposes the on-disk artifact paths for configuration rendering
func (m *Manager) Materials() security.Materials {
	return m.materials
}

// State reads the node's current TLS material and derives its lifecycle
// status from which fields are present
func (m *Manager) State() (types.CertificateState, error) {
	var state types.CertificateState
	var err error

	read := func(key string) string {
		if err != nil {
			return ""
		}
		var value string
		value, err = m.store.Get(storage.PartitionNode, m.localID, key)
		return value
	}

	state.PrivateKey = read(KeyPrivateKey)
	state.PendingCSR = read(KeyCSR)
	state.Certificate = read(KeyCertificate)
	state.CAChain = read(KeyCAChain)
	stored := read(KeyStatus)
	if err != nil {
		return types.CertificateState{}, err
	}

	// The stored status wins: a node that lost its authority stays absent
	// even while its locally generated key survives for reuse
	if stored != "" {
		state.Status = types.CertificateStatus(stored)
		return state, nil
	}

	switch {
	case state.Certificate != "":
		state.Status = types.CertStatusIssued
	case state.PendingCSR != "":
		state.Status = types.CertStatusCSRPending
	case state.PrivateKey != "":
		state.Status = types.CertStatusKeyGenerated
	default:
		state.Status = types.CertStatusAbsent
	}
	return state, nil
}

func (m *Manager) setStatus(status types.CertificateStatus) error {
	return m.store.Put(storage.PartitionNode, m.localID, KeyStatus, string(status))
}

// EnsureKey generates the node's private key on first need. A key already
// present (including one supplied by operator action) is left alone.
func (m *Manager) EnsureKey() error {
	state, err := m.State()
	if err != nil {
		return err
	}
	if state.PrivateKey != "" {
		// A node rejoining an authority reuses its surviving key
		if state.Status == types.CertStatusAbsent {
			return m.setStatus(types.CertStatusKeyGenerated)
		}
		return nil
	}

	keyPEM, err := security.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrDependency, err)
	}
	if err := m.store.Put(storage.PartitionNode, m.localID, KeyPrivateKey, keyPEM); err != nil {
		return err
	}
	return m.setStatus(types.CertStatusKeyGenerated)
}

// RequestCertificate builds a CSR over the node's key and submits it to the
// authority, moving the node to csr_pending. The subject is the node's
// advertised address; SANs carry the address, host aliases, and the locally
// resolved name.
func (m *Manager) RequestCertificate() error {
	state, err := m.State()
	if err != nil {
		return err
	}
	if state.PrivateKey == "" {
		return fmt.Errorf("%w: cannot request certificate without a private key", types.ErrNotReady)
	}
	formed, err := m.view.HasPeerGroup()
	if err != nil {
		return err
	}
	if !formed {
		return fmt.Errorf("%w: peer group not formed yet", types.ErrNotReady)
	}

	csr, err := m.buildCSR(state.PrivateKey)
	if err != nil {
		return err
	}

	// Submit before persisting: a failed submission must leave the node at
	// key_generated so the next pass retries the request
	if err := m.authority.Submit(csr); err != nil {
		return fmt.Errorf("%w: submit CSR: %v", types.ErrDependency, err)
	}
	if err := m.store.Put(storage.PartitionNode, m.localID, KeyCSR, csr); err != nil {
		return err
	}
	return m.setStatus(types.CertStatusCSRPending)
}

// HandleIssued installs a signed certificate. The signing request attached
// to the issuance must equal the node's outstanding CSR exactly; anything
// else is rejected and logged, never installed, so a certificate can never
// bind to a stale key.
func (m *Manager) HandleIssued(csrPEM, certPEM, caPEM string) error {
	state, err := m.State()
	if err != nil {
		return err
	}
	if csrPEM != state.PendingCSR {
		m.logger.Error().Msg("cannot use certificate, found unknown CSR")
		return fmt.Errorf("%w: certificate does not match outstanding CSR", types.ErrValidation)
	}

	if err := m.store.Put(storage.PartitionNode, m.localID, KeyCertificate, certPEM); err != nil {
		return err
	}
	if err := m.store.Put(storage.PartitionNode, m.localID, KeyCAChain, caPEM); err != nil {
		return err
	}
	if err := m.setStatus(types.CertStatusIssued); err != nil {
		return err
	}

	if err := m.materials.InstallKey(state.PrivateKey); err != nil {
		return err
	}
	if err := m.materials.InstallCert(certPEM); err != nil {
		return err
	}
	return m.InstallCA()
}

// HandleExpiring renews the node's certificate. A renewal always builds a
// fresh CSR; the old one is only used to identify the request being
// replaced at the authority.
func (m *Manager) HandleExpiring() error {
	state, err := m.State()
	if err != nil {
		return err
	}
	if state.PrivateKey == "" || state.PendingCSR == "" {
		return fmt.Errorf("%w: missing private key and/or outstanding CSR", types.ErrNotReady)
	}

	// Record that the certificate is aging out. A failed renewal leaves the
	// node at expiring with its old CSR intact, so the next pass retries.
	if err := m.setStatus(types.CertStatusExpiring); err != nil {
		return err
	}

	newCSR, err := m.buildCSR(state.PrivateKey)
	if err != nil {
		return err
	}

	if err := m.authority.Renew(state.PendingCSR, newCSR); err != nil {
		return fmt.Errorf("%w: renew CSR: %v", types.ErrDependency, err)
	}
	if err := m.store.Put(storage.PartitionNode, m.localID, KeyCSR, newCSR); err != nil {
		return err
	}
	return m.setStatus(types.CertStatusCSRPending)
}

// ReplaceKey installs operator-supplied key material (or generates a fresh
// key when none is given) and immediately forces a new signing request.
// Material may arrive as PEM or as a base64 blob wrapping one.
func (m *Manager) ReplaceKey(material string) error {
	var keyPEM string
	var err error
	if material == "" {
		if keyPEM, err = security.GeneratePrivateKey(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrDependency, err)
		}
	} else {
		if keyPEM, err = security.NormalizeKeyMaterial(material); err != nil {
			return fmt.Errorf("%w: %v", types.ErrValidation, err)
		}
	}

	if err := m.store.Put(storage.PartitionNode, m.localID, KeyPrivateKey, keyPEM); err != nil {
		return err
	}

	// The old certificate no longer matches the key; force a new request
	state, err := m.State()
	if err != nil {
		return err
	}
	if state.PendingCSR != "" {
		return m.HandleExpiring()
	}
	return m.RequestCertificate()
}

// HandleRelationBroken wipes the CSR, certificate, and CA chain from node
// state and deletes the on-disk artifacts. The locally generated private
// key survives: a reissued certificate may reuse it.
func (m *Manager) HandleRelationBroken() error {
	for _, key := range []string{KeyCSR, KeyCertificate, KeyCAChain} {
		if err := m.store.Put(storage.PartitionNode, m.localID, key, ""); err != nil {
			return err
		}
	}
	if err := m.setStatus(types.CertStatusAbsent); err != nil {
		return err
	}
	return m.materials.Remove()
}

// InstallCA writes the CA chain file used to talk to the broker. When the
// broker advertises the literal "enabled" instead of a real chain, the
// node's own CA is used; this only works when both sides share a provider.
func (m *Manager) InstallCA() error {
	facts, err := m.view.BrokerFacts()
	if err != nil {
		return err
	}

	chain := facts.CAChain
	if chain == "" || chain == membership.Enabled {
		state, err := m.State()
		if err != nil {
			return err
		}
		chain = state.CAChain
	}
	if chain == "" {
		m.logger.Error().Msg("cannot set CA, missing CA in fleet state")
		return fmt.Errorf("%w: no CA chain available", types.ErrNotReady)
	}
	return m.materials.InstallCA(chain)
}

// buildCSR assembles subject and SANs from the node's advertised facts
func (m *Manager) buildCSR(keyPEM string) (string, error) {
	host, err := m.view.Host(m.localID)
	if err != nil {
		return "", err
	}

	var sansDNS []string
	hostname, err := m.store.Get(storage.PartitionNode, m.localID, membership.KeyHostname)
	if err != nil {
		return "", err
	}
	fqdn, err := m.store.Get(storage.PartitionNode, m.localID, membership.KeyFQDN)
	if err != nil {
		return "", err
	}
	if fqdn == "" {
		// Fall back to the locally resolved name
		if resolved, err := os.Hostname(); err == nil {
			fqdn = resolved
		}
	}
	for _, name := range []string{hostname, fqdn} {
		if name != "" {
			sansDNS = append(sansDNS, name)
		}
	}

	var sansIP []string
	for _, key := range []string{membership.KeyIP, membership.KeyPrivateAddress} {
		addr, err := m.store.Get(storage.PartitionNode, m.localID, key)
		if err != nil {
			return "", err
		}
		if addr != "" {
			sansIP = append(sansIP, addr)
		}
	}

	csr, err := security.GenerateCSR(keyPEM, host, sansDNS, sansIP)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrDependency, err)
	}
	return csr, nil
}
