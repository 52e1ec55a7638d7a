package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cuemby/steward/pkg/log"
	"github.com/cuemby/steward/pkg/types"
)

const (
	// ServiceName is the systemd unit running the registry
	ServiceName = "steward-registry"

	// mkpasswdBinary is the registry's own hashing utility
	mkpasswdBinary = "registry-mkpasswd"
)

// Service implements Workload by shelling out to systemctl
type Service struct{}

// NewService creates the exec-based workload controller
func NewService() *Service {
	return &Service{}
}

// Start starts the registry service
func (s *Service) Start() error {
	return s.systemctl("start")
}

// Stop stops the registry service
func (s *Service) Stop() error {
	return s.systemctl("stop")
}

// Restart restarts the registry service
func (s *Service) Restart() error {
	return s.systemctl("restart")
}

// Active reports whether systemd considers the service running
func (s *Service) Active() bool {
	out, err := exec.Command("systemctl", "is-active", ServiceName).Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "active"
}

// Read returns the file contents, or "" when the file does not exist
func (s *Service) Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

// Write replaces the file contents wholesale
func (s *Service) Write(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (s *Service) systemctl(action string) error {
	logger := log.WithComponent("workload")
	out, err := exec.Command("systemctl", action, ServiceName).CombinedOutput()
	if err != nil {
		logger.Error().Err(err).Str("output", string(out)).Msgf("systemctl %s failed", action)
		return fmt.Errorf("systemctl %s %s: %w", action, ServiceName, err)
	}
	logger.Debug().Msgf("systemctl %s succeeded", action)
	return nil
}

// ExecHasher implements PasswordHasher by invoking the registry's own
// mkpasswd utility, keeping hash output byte-compatible with the service
type ExecHasher struct{}

// NewExecHasher creates the exec-based hasher
func NewExecHasher() *ExecHasher {
	return &ExecHasher{}
}

// MkPasswd hashes a password through the external utility. Failures are
// reported as dependency failures: the caller keeps prior state untouched.
func (h *ExecHasher) MkPasswd(ctx context.Context, username, password string) (types.Principal, error) {
	cmd := exec.CommandContext(ctx, mkpasswdBinary, "-u", username, "-a", string(types.AlgorithmSHA512), password)
	out, err := cmd.Output()
	if err != nil {
		return types.Principal{}, fmt.Errorf("%w: mkpasswd: %v", types.ErrDependency, err)
	}

	var principal types.Principal
	if err := json.Unmarshal(out, &principal); err != nil {
		return types.Principal{}, fmt.Errorf("%w: mkpasswd output: %v", types.ErrDependency, err)
	}
	if principal.Username == "" {
		principal.Username = username
	}
	return principal, nil
}
