// Package certs drives the per-node TLS certificate lifecycle: key
// generation, signing-request issuance, installation of signed material,
// renewal, and teardown when the authority relation is lost. Exactly one
// CSR may be outstanding per node, and issued certificates are installed
// only when they bind to that exact request.
package certs
