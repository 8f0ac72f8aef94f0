// Package allocator is the client for the cluster's external GPU allocator.
//
// The allocator is a separate cluster tool invoked as a subprocess. Acquire
// runs it with the batch's resource constraints and parses the allocation
// handle it prints; Release removes the allocation descriptor afterwards.
package allocator

import (
	"errors"
	"fmt"
	"strconv"
)

// WaitPolicy controls how long the external allocator waits for free GPUs.
//
//	-1: do not wait, fail if GPUs are not available
//	 0: wait indefinitely
//	>0: wait up to that many seconds
type WaitPolicy int

const (
	WaitNone    WaitPolicy = -1
	WaitForever WaitPolicy = 0
)

// String renders the policy for log lines.
func (w WaitPolicy) String() string {
	switch {
	case w == WaitNone:
		return "no-wait"
	case w == WaitForever:
		return "wait-forever"
	case w > 0:
		return fmt.Sprintf("timeout=%ds", int(w))
	default:
		return fmt.Sprintf("invalid(%d)", int(w))
	}
}

// Request describes the resources for one batch.
type Request struct {
	// ClusterInfo selects the cluster (path to a cluster description). Optional.
	ClusterInfo string

	// GPUs is the number of GPUs requested per task.
	GPUs int

	// Tasks is the number of tasks sharing the allocation (the batch size).
	Tasks int

	// MinGPUsPerHost is the minimum number of GPUs to take from any one host.
	MinGPUsPerHost int

	// Hosts is a comma-separated list of hosts to select from. Optional.
	Hosts string

	// IgnoreHosts is a comma-separated list of hosts to skip. Optional.
	IgnoreHosts string

	// GPUsAsSingleHost groups all GPUs on the same host as one.
	GPUsAsSingleHost bool

	// Wait is the allocator wait policy.
	Wait WaitPolicy
}

// DefaultRequest returns a request with the launcher defaults.
func DefaultRequest() Request {
	return Request{
		GPUs:             1,
		Tasks:            1,
		MinGPUsPerHost:   1,
		GPUsAsSingleHost: true,
		Wait:             WaitNone,
	}
}

// WithTasks returns a copy of the request sized for n tasks.
func (r Request) WithTasks(n int) Request {
	r.Tasks = n
	return r
}

// Validate checks the request before it is sent to the allocator.
func (r Request) Validate() error {
	var errs []error
	if r.GPUs < 1 {
		errs = append(errs, fmt.Errorf("gpus must be >= 1, got %d", r.GPUs))
	}
	if r.Tasks < 1 {
		errs = append(errs, fmt.Errorf("tasks must be >= 1, got %d", r.Tasks))
	}
	if r.MinGPUsPerHost < 1 {
		errs = append(errs, fmt.Errorf("min_gpus_per_host must be >= 1, got %d", r.MinGPUsPerHost))
	}
	if r.Wait < WaitNone {
		errs = append(errs, fmt.Errorf("wait_for_available must be >= -1, got %d", int(r.Wait)))
	}
	return errors.Join(errs...)
}

// Args renders the request as allocator flags.
//
// Optional string fields are omitted when empty. Numeric and boolean fields
// are always passed. Booleans use the True/False spelling the cluster tool
// expects.
func (r Request) Args() []string {
	args := make([]string, 0, 16)
	if r.ClusterInfo != "" {
		args = append(args, "--on_cluster", r.ClusterInfo)
	}
	args = append(args, "--gpus", strconv.Itoa(r.GPUs))
	args = append(args, "--tasks", strconv.Itoa(r.Tasks))
	args = append(args, "--min_gpus_per_host", strconv.Itoa(r.MinGPUsPerHost))
	if r.Hosts != "" {
		args = append(args, "--hosts", r.Hosts)
	}
	if r.IgnoreHosts != "" {
		args = append(args, "--ignore_hosts", r.IgnoreHosts)
	}
	args = append(args, "--gpus_as_single_host", formatBool(r.GPUsAsSingleHost))
	args = append(args, "--wait_for_available", strconv.Itoa(int(r.Wait)))
	return args
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
