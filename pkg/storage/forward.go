package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/steward/pkg/types"
)

// ForwardHandler accepts store commands forwarded from follower nodes and
// proposes them to the replication log. It only runs usefully on the leader;
// a node that lost leadership answers 503 so the caller retries against the
// new leader.
//
// Followers may only forward what the write rules would let them write
// locally: their own node-partition entries and the restart lock. Leader-only
// writes arriving here are rejected, whoever sent them.
type ForwardHandler struct {
	IsLeader func() bool
	Propose  func(data []byte) error
}

func (h *ForwardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.IsLeader() {
		http.Error(w, "not the leader", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read request: "+err.Error(), http.StatusBadRequest)
		return
	}

	var cmd command
	if err := json.Unmarshal(body, &cmd); err != nil {
		http.Error(w, "decode command: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !forwardable(cmd) {
		http.Error(w, "command not accepted from followers", http.StatusForbidden)
		return
	}

	if err := h.Propose(body); err != nil {
		http.Error(w, "propose: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// forwardable reports whether a follower is allowed to submit this command
func forwardable(cmd command) bool {
	switch cmd.Partition {
	case PartitionNode:
		return true
	case PartitionShared:
		return cmd.Key == KeyRestartLock
	default:
		return false
	}
}

// ForwardClient delivers store commands from a follower to the leader's
// forward endpoint.
type ForwardClient struct {
	// PeerPort is the port every node serves its ForwardHandler on
	PeerPort string

	// LeaderAddr reports the leader's replication transport address, from
	// which the forward endpoint host is derived
	LeaderAddr func() string

	// Client is the HTTP client used for forwarding
	Client *http.Client
}

// NewForwardClient creates a client forwarding to the given peer port
func NewForwardClient(peerPort string, leaderAddr func() string) *ForwardClient {
	return &ForwardClient{
		PeerPort:   peerPort,
		LeaderAddr: leaderAddr,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Forward posts one encoded command to the leader
func (c *ForwardClient) Forward(data []byte) error {
	leader := c.LeaderAddr()
	if leader == "" {
		return fmt.Errorf("%w: no leader to forward the write to", types.ErrNotReady)
	}
	host, _, err := net.SplitHostPort(leader)
	if err != nil {
		return fmt.Errorf("parse leader address %q: %w", leader, err)
	}

	url := fmt.Sprintf("http://%s/v1/apply", net.JoinHostPort(host, c.PeerPort))
	resp, err := c.Client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: forward write to leader: %v", types.ErrDependency, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: leader rejected forwarded write: %s: %s",
			types.ErrDependency, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
