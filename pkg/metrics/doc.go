// Package metrics defines the Prometheus metrics exported by the agent.
package metrics
