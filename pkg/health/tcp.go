package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker probes a broker endpoint over TCP
type TCPChecker struct {
	// Address is the endpoint to connect to (e.g. "broker-0:9092")
	Address string

	// Timeout is the connection timeout
	Timeout time.Duration
}

// NewTCPChecker creates a TCP probe for one endpoint
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check attempts a TCP connection to the endpoint
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("TCP connection to %s successful", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

// BrokerChecker probes a comma separated endpoint list and succeeds when any
// endpoint accepts a connection
type BrokerChecker struct {
	Endpoints []string
	Timeout   time.Duration
}

// NewBrokerChecker creates a probe over the broker's advertised endpoints
func NewBrokerChecker(endpoints string) *BrokerChecker {
	return &BrokerChecker{
		Endpoints: SplitEndpoints(endpoints),
		Timeout:   5 * time.Second,
	}
}

// Check probes endpoints in order until one answers
func (b *BrokerChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if len(b.Endpoints) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no endpoints to probe",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	var last Result
	for _, endpoint := range b.Endpoints {
		last = NewTCPChecker(endpoint).WithTimeout(b.Timeout).Check(ctx)
		if last.Healthy {
			return last
		}
	}
	return last
}
