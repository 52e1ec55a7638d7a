/*
Package auth owns the authoritative mapping of principal → credential →
permission set for the registry, and renders it to the authorization file.

The in-memory model is the source of truth; the rendered file is a pure
projection of it and is always written whole (total-replace), because a
partial write cannot express a deletion. Credential hashing is delegated to
the registry's own utility through workload.PasswordHasher so stored hashes
stay byte-compatible with the service.

Role policy is fixed: admin receives a single Write rule over all resources;
user receives a Read rule over the configuration namespace plus a Read rule
scoped to its subject pattern. Permission lists are replaced, never merged.
*/
package auth
