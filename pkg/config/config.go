package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/membership"
	"github.com/cuemby/steward/pkg/security"
	"github.com/cuemby/steward/pkg/types"
	"github.com/cuemby/steward/pkg/workload"
)

// Reconciler renders the registry's service configuration from fleet state
// and applies it only when the rendered document structurally differs from
// what is already on disk. Differences are logged per field, and an apply
// always writes the whole file.
type Reconciler struct {
	view               *membership.View
	workload           workload.Workload
	materials          security.Materials
	configPath         string
	authFilePath       string
	desiredReplication int
	logger             zerolog.Logger
}

// NewReconciler creates a configuration reconciler for the local node
func NewReconciler(view *membership.View, wl workload.Workload, materials security.Materials, configPath, authFilePath string, desiredReplication int) *Reconciler {
	if desiredReplication < 1 {
		desiredReplication = 1
	}
	return &Reconciler{
		view:               view,
		workload:           wl,
		materials:          materials,
		configPath:         configPath,
		authFilePath:       authFilePath,
		desiredReplication: desiredReplication,
		logger:             log.WithComponent("config"),
	}
}

// Render builds the full configuration document from current fleet state.
// TLS file paths appear only while encryption is active, so a disabled
// fleet never points the service at stale material.
func (r *Reconciler) Render() (map[string]any, error) {
	host, err := r.view.Host(r.view.LocalID())
	if err != nil {
		return nil, err
	}
	protocol, err := r.view.SecurityProtocol()
	if err != nil {
		return nil, err
	}
	tlsEnabled, err := r.view.TLSEnabled()
	if err != nil {
		return nil, err
	}
	facts, err := r.view.BrokerFacts()
	if err != nil {
		return nil, err
	}
	nodes, err := r.view.Nodes()
	if err != nil {
		return nil, err
	}

	replication := r.desiredReplication
	if len(nodes) < replication {
		replication = len(nodes)
	}

	document := map[string]any{
		"advertised_hostname": host,
		"access_logs_debug":   false,
		"rest_authorization":  false,
		"client_id":           "sr-1",
		"compatibility":       "FULL",
		"group_id":            types.ConsumerGroup,
		"host":                "127.0.0.1",
		"log_level":           "INFO",
		"port":                types.RegistryPort,
		"master_eligibility":  true,
		"replication_factor":  replication,
		"topic_name":          types.SchemasTopic,
		"session_timeout_ms":  10000,
		"security_protocol":   protocol,
		"bootstrap_uri":       facts.Endpoints,
		"sasl_bootstrap_uri":  facts.Endpoints,
		"sasl_mechanism":      "SCRAM-SHA-512",
		"sasl_plain_username": facts.Username,
		"sasl_plain_password": facts.Password,
		"registry_authfile":   r.authFilePath,
	}
	if tlsEnabled {
		document["ssl_cafile"] = r.materials.CAPath()
		document["ssl_certfile"] = r.materials.CertPath()
		document["ssl_keyfile"] = r.materials.KeyPath()
	}
	return document, nil
}

// Current parses the configuration already on disk, or returns an empty
// snapshot when none has been applied yet
func (r *Reconciler) Current() (types.ConfigSnapshot, error) {
	content, err := r.workload.Read(r.configPath)
	if err != nil {
		return types.ConfigSnapshot{}, err
	}
	if content == "" {
		return types.ConfigSnapshot{}, nil
	}

	var document map[string]any
	if err := json.Unmarshal([]byte(content), &document); err != nil {
		return types.ConfigSnapshot{}, fmt.Errorf("parse applied configuration: %w", err)
	}
	return types.ConfigSnapshot{Document: document, Fingerprint: Fingerprint(document)}, nil
}

// ShouldApply compares the rendered document against the applied snapshot
// field by field and reports whether anything drifted. Each differing field
// is logged by name; equal documents produce no writes downstream.
func (r *Reconciler) ShouldApply(rendered map[string]any, applied types.ConfigSnapshot) bool {
	if applied.Document == nil {
		return true
	}

	drifted := false
	for _, key := range sortedKeys(rendered) {
		before, existed := applied.Document[key]
		if !existed {
			r.logger.Info().Str("field", key).Msg("configuration field added")
			drifted = true
			continue
		}
		if !equalValue(before, rendered[key]) {
			r.logger.Info().Str("field", key).Msg("configuration field changed")
			drifted = true
		}
	}
	for _, key := range sortedKeys(applied.Document) {
		if _, kept := rendered[key]; !kept {
			r.logger.Info().Str("field", key).Msg("configuration field removed")
			drifted = true
		}
	}
	return drifted
}

// Apply writes the rendered document whole and returns the new snapshot
func (r *Reconciler) Apply(rendered map[string]any) (types.ConfigSnapshot, error) {
	content, err := json.MarshalIndent(rendered, "", "  ")
	if err != nil {
		return types.ConfigSnapshot{}, fmt.Errorf("marshal configuration: %w", err)
	}
	if err := r.workload.Write(r.configPath, string(content)+"\n"); err != nil {
		return types.ConfigSnapshot{}, err
	}

	snapshot := types.ConfigSnapshot{
		Document:    rendered,
		Fingerprint: Fingerprint(rendered),
		RenderedAt:  time.Now().UTC(),
	}
	r.logger.Info().Str("fingerprint", snapshot.Fingerprint).Msg("configuration applied")
	return snapshot, nil
}

// Reconcile renders, diffs, and applies in one pass. It reports whether the
// file changed, which is the only condition under which a restart is due.
func (r *Reconciler) Reconcile() (bool, error) {
	rendered, err := r.Render()
	if err != nil {
		return false, err
	}
	applied, err := r.Current()
	if err != nil {
		return false, err
	}
	if !r.ShouldApply(rendered, applied) {
		return false, nil
	}
	if _, err := r.Apply(rendered); err != nil {
		return false, err
	}
	return true, nil
}

// Fingerprint computes a stable digest of a configuration document
func Fingerprint(document map[string]any) string {
	canonical, err := json.Marshal(document)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// equalValue compares field values across a JSON round trip, where numbers
// come back as float64 regardless of how they were rendered
func equalValue(a, b any) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

func sortedKeys(document map[string]any) []string {
	keys := make([]string, 0, len(document))
	for key := range document {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
