/*
Package security provides the cryptographic plumbing for Steward.

It covers four concerns:

  - Secret-vault encryption: AES-256-GCM with a fleet-derived key, used by
    the storage package to keep secret-partition bytes out of plaintext.
  - Key material: RSA private key generation, PEM-envelope validation with a
    base64 fallback for externally supplied keys, and CSR construction with
    subject and SAN sets.
  - On-disk material: installing and removing the key, certificate, and CA
    chain files the registry reads.
  - LocalAuthority: an in-process signing authority for self-signed
    deployments and tests, standing in for an external CA relation.
*/
package security
