package security

import (
	"fmt"
	"os"
	"path/filepath"
)

// Materials locates the TLS artifacts the registry reads from disk
type Materials struct {
	Dir string
}

// KeyPath returns the private key file path
func (m Materials) KeyPath() string {
	return filepath.Join(m.Dir, "server.key")
}

// CertPath returns the certificate file path
func (m Materials) CertPath() string {
	return filepath.Join(m.Dir, "server.pem")
}

// CAPath returns the CA chain file path
func (m Materials) CAPath() string {
	return filepath.Join(m.Dir, "ca.pem")
}

// InstallKey writes the private key with owner-only permissions
func (m Materials) InstallKey(keyPEM string) error {
	return m.write(m.KeyPath(), keyPEM, 0600)
}

// InstallCert writes the signed certificate
func (m Materials) InstallCert(certPEM string) error {
	return m.write(m.CertPath(), certPEM, 0600)
}

// InstallCA writes the CA chain
func (m Materials) InstallCA(caPEM string) error {
	return m.write(m.CAPath(), caPEM, 0644)
}

// Remove deletes every key and certificate artifact from the directory.
// Files that never existed are not an error.
func (m Materials) Remove() error {
	matches := []string{}
	for _, pattern := range []string{"*.pem", "*.key"} {
		found, err := filepath.Glob(filepath.Join(m.Dir, pattern))
		if err != nil {
			return fmt.Errorf("failed to glob %s: %w", pattern, err)
		}
		matches = append(matches, found...)
	}

	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

func (m Materials) write(path, content string, mode os.FileMode) error {
	if err := os.MkdirAll(m.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create material directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
