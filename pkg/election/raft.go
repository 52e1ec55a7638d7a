package election

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// RaftElector derives leadership from a Raft group spanning the fleet. The
// same group replicates the coordination store: committed log entries land in
// the supplied state machine on every node.
type RaftElector struct {
	nodeID   string
	bindAddr string
	dataDir  string
	fsm      raft.FSM
	raft     *raft.Raft
}

// NewRaftElector creates an elector bound to the given address, applying
// committed entries to fsm
func NewRaftElector(nodeID, bindAddr, dataDir string, fsm raft.FSM) *RaftElector {
	return &RaftElector{
		nodeID:   nodeID,
		bindAddr: bindAddr,
		dataDir:  dataDir,
		fsm:      fsm,
	}
}

// Bootstrap initializes a new single-node Raft group
func (e *RaftElector) Bootstrap() error {
	transport, err := e.setup()
	if err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(e.nodeID),
				Address: transport.LocalAddr(),
			},
		},
	}

	future := e.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %v", err)
	}
	return nil
}

// Join starts the local Raft instance and waits for the leader to add this
// node as a voter
func (e *RaftElector) Join() error {
	_, err := e.setup()
	return err
}

// AddVoter adds a joining node to the group. Leader only.
func (e *RaftElector) AddVoter(nodeID, address string) error {
	if e.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if e.raft.State() != raft.Leader {
		return fmt.Errorf("not the leader")
	}

	future := e.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes a departed node from the group. Leader only.
func (e *RaftElector) RemoveServer(nodeID string) error {
	if e.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if e.raft.State() != raft.Leader {
		return fmt.Errorf("not the leader")
	}

	future := e.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether the local node currently leads
func (e *RaftElector) IsLeader() bool {
	if e.raft == nil {
		return false
	}
	return e.raft.State() == raft.Leader
}

// LeaderID returns the id of the current leader, or "" when unknown
func (e *RaftElector) LeaderID() string {
	if e.raft == nil {
		return ""
	}
	_, id := e.raft.LeaderWithID()
	return string(id)
}

// LeaderAddress returns the transport address of the current leader, or ""
// when unknown
func (e *RaftElector) LeaderAddress() string {
	if e.raft == nil {
		return ""
	}
	addr, _ := e.raft.LeaderWithID()
	return string(addr)
}

// Propose submits an entry to the replicated log and waits for it to commit
// and apply locally. Leader only; followers get a not-leader error from the
// library.
func (e *RaftElector) Propose(data []byte) error {
	if e.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	future := e.raft.Apply(data, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply entry: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// Shutdown stops the local Raft instance
func (e *RaftElector) Shutdown() error {
	if e.raft == nil {
		return nil
	}
	return e.raft.Shutdown().Error()
}

func (e *RaftElector) setup() (*raft.NetworkTransport, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(e.nodeID)

	// LAN deployment, tightened from the WAN-oriented defaults
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", e.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %v", err)
	}

	transport, err := raft.NewTCPTransport(e.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %v", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(e.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %v", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(e.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %v", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(e.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %v", err)
	}

	r, err := raft.NewRaft(config, e.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %v", err)
	}

	e.raft = r
	return transport, nil
}
