package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net"
	"regexp"
	"strings"
)

const (
	// Node key size: 2048 bits (shorter-lived, faster)
	nodeKeySize = 2048
)

var pemEnvelope = regexp.MustCompile(`(-+(BEGIN|END) [A-Z ]+-+)`)

// GeneratePrivateKey generates an RSA private key in PEM form
func GeneratePrivateKey() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return "", fmt.Errorf("failed to generate private key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return string(keyPEM), nil
}

// NormalizeKeyMaterial accepts externally supplied key material either as a
// PEM document or as a single base64 blob wrapping one, and returns the PEM
// form. Anything else is rejected.
func NormalizeKeyMaterial(material string) (string, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return "", fmt.Errorf("key material is empty")
	}

	if pemEnvelope.MatchString(material) {
		return material, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return "", fmt.Errorf("key material is neither PEM nor base64: %w", err)
	}
	if !pemEnvelope.MatchString(string(decoded)) {
		return "", fmt.Errorf("decoded key material is not in a PEM envelope")
	}
	return string(decoded), nil
}

// parsePrivateKey decodes a PEM private key (PKCS#1 or PKCS#8)
func parsePrivateKey(keyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// GenerateCSR builds a PEM certificate signing request over the given key.
// The subject common name is the node's advertised address; SANs carry the
// address-like names plus any resolvable IPs among them.
func GenerateCSR(keyPEM, subject string, sansDNS []string, sansIP []string) (string, error) {
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return "", err
	}

	var ips []net.IP
	for _, raw := range sansIP {
		if ip := net.ParseIP(raw); ip != nil {
			ips = append(ips, ip)
		}
	}

	template := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: subject},
		DNSNames:           sansDNS,
		IPAddresses:        ips,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return "", fmt.Errorf("failed to create CSR: %w", err)
	}

	csrPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE REQUEST",
		Bytes: csrDER,
	})
	return strings.TrimSpace(string(csrPEM)), nil
}
