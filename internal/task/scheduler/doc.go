// Package scheduler runs registered jobs on fixed intervals inside the process.
//
// One loop goroutine wakes every tick, asks the registry which jobs are due
// and dispatches each in its own goroutine. A finished run (success or
// failure) moves the job's next run to completion + interval. Failures are
// contained: they are logged, published as events and kept in history.
//
// Schedule state lives in memory only.
package scheduler
