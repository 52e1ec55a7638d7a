// Package workload is the narrow control boundary over the registry service
// binary and its bundled hashing utility. Everything behind it is a black
// box: Steward renders files, flips the service, and delegates credential
// hashing, nothing more.
package workload
