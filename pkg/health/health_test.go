package health

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestTCPChecker_ReachableEndpoint(t *testing.T) {
	// Listen on a loopback port
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewTCPChecker(listener.Addr().String())
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("Expected healthy, got unhealthy: %s", result.Message)
	}
	if result.Duration <= 0 {
		t.Error("Expected positive duration")
	}
}

func TestTCPChecker_UnreachableEndpoint(t *testing.T) {
	// Grab a port and close it so nothing listens there
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	address := listener.Addr().String()
	listener.Close()

	checker := NewTCPChecker(address).WithTimeout(500 * time.Millisecond)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("Expected unhealthy, got healthy: %s", result.Message)
	}
}

func TestBrokerChecker_AnyEndpointSuffices(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	// First endpoint is dead, second answers
	checker := NewBrokerChecker("127.0.0.1:1," + listener.Addr().String())
	checker.Timeout = 500 * time.Millisecond
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("Expected healthy via second endpoint: %s", result.Message)
	}
}

func TestBrokerChecker_NoEndpoints(t *testing.T) {
	checker := NewBrokerChecker("")
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Error("Expected unhealthy with no endpoints")
	}
}

func TestStatusUpdate(t *testing.T) {
	config := Config{Timeout: time.Second, Retries: 3}
	status := NewStatus()

	// Failures below the retry threshold keep the dependency healthy
	for i := 0; i < 2; i++ {
		status.Update(Result{Healthy: false}, config)
	}
	if !status.Healthy {
		t.Error("dependency marked unhealthy before retry threshold")
	}

	// The third consecutive failure flips it
	status.Update(Result{Healthy: false}, config)
	if status.Healthy {
		t.Error("dependency still healthy after retry threshold")
	}

	// One success recovers immediately
	status.Update(Result{Healthy: true}, config)
	if !status.Healthy {
		t.Error("dependency did not recover on success")
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("failure streak not reset: %d", status.ConsecutiveFailures)
	}
}

func TestSplitEndpoints(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"broker-0:9092,broker-1:9092", 2},
		{" broker-0:9092 , broker-1:9092 ", 2},
		{"broker-0:9092", 1},
		{"", 0},
		{",,", 0},
	}

	for _, tt := range tests {
		if got := len(SplitEndpoints(tt.input)); got != tt.want {
			t.Errorf("SplitEndpoints(%q) = %d endpoints, want %d", tt.input, got, tt.want)
		}
	}
}
