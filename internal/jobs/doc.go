// Package jobs holds the host-side work registered with the scheduler.
// The scheduler treats every job here as opaque.
package jobs
