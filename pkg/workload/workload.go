package workload

import (
	"context"

	"github.com/cuemby/steward/pkg/types"
)

// Workload is the narrow control interface over the registry service binary.
// Install, supervision, and health internals belong to the host; Steward
// only starts, stops, restarts, and reads/writes the files it renders.
type Workload interface {
	Start() error
	Stop() error
	Restart() error

	// Active reports whether the service is currently running
	Active() bool

	// Read returns a file's contents, or "" when the file does not exist
	Read(path string) (string, error)

	// Write replaces a file's contents wholesale
	Write(path, content string) error
}

// PasswordHasher produces salted credential hashes. Hashing is delegated to
// the registry's own utility so the stored format stays compatible; it is a
// blocking external call that can fail and must be treated like one.
type PasswordHasher interface {
	MkPasswd(ctx context.Context, username, password string) (types.Principal, error)
}
