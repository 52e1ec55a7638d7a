package storage

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
)

// command is one store mutation carried through the replication log. Secret
// writes carry Sealed ciphertext instead of Value, so the log never holds a
// plaintext secret.
type command struct {
	Partition Partition `json:"partition"`
	Owner     string    `json:"owner"`
	Key       string    `json:"key"`
	Value     string    `json:"value,omitempty"`
	Sealed    []byte    `json:"sealed,omitempty"`
}

func encodeCommand(cmd command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode store command: %w", err)
	}
	return data, nil
}

// FSM lands replicated store commands in the local BoltStore. Write rules are
// enforced where a command is proposed, not here: by the time a command is in
// the log it has already passed them.
type FSM struct {
	engine *BoltStore
}

// NewFSM wraps the local engine for use as the replication state machine
func NewFSM(engine *BoltStore) *FSM {
	return &FSM{engine: engine}
}

// Apply lands one log entry. The returned value surfaces as the proposal
// response, so a failed write is reported at the proposing node.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("decode store command: %w", err)
	}

	if cmd.Sealed != nil {
		return f.engine.applySealed(cmd.Owner, cmd.Key, cmd.Sealed)
	}
	return f.engine.applyPlain(cmd.Partition, cmd.Owner, cmd.Key, cmd.Value)
}

// Snapshot captures the full store contents
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	dump, err := f.engine.Export()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{dump: dump}, nil
}

// Restore replaces the store contents from a snapshot stream
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var dump map[string]map[string][]byte
	if err := json.NewDecoder(rc).Decode(&dump); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	return f.engine.Import(dump)
}

type fsmSnapshot struct {
	dump map[string]map[string][]byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.dump); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
