package service

// Package service implements job orchestration on top of the engine adapters.
//
// Overview
// The Manager accepts jobs, persists them in a store.Store and owns a handle
// for every job it started. Each started job gets one Supervisor goroutine
// which runs the requested scan kinds strictly one after another. Jobs run
// concurrently with each other.
//
// A Supervisor maps the adapter-local progress of kind i out of n onto the
// slice [i/n*headroom, (i+1)/n*headroom] of the job progress. The range above
// headroom is reserved for merging and persisting findings.
//
// Data flow:
//
//   Manager              Supervisor{job}           Adapter
//      |                       |                      |
//   Submit -> store.Create     |                      |
//      | start() ------------->| begin: running       |
//      |                       | for each kind: ----->| Scan(ctx, inv, target)
//      |                       |<--- inv.Report ------|
//      |                       | Publish(progress)    |
//      |                       |<------ Outcome ------|
//      |                       | finish: merge, SaveFindings, completion
//      |<---- done closed -----|                      |
//
// Cancel marks the job cancelled and publishes the completion event right
// away, then raises the stop flag of the invocation in flight. An adapter
// ignoring the flag is given cancel_wait before the supervisor moves on.
// The summary of a cancelled job counts the adapters that had finished.
// Findings arriving later are stored, the job record stays as cancelled.
//
// Invariants:
//   - At most one Supervisor per job.
//   - Only the Supervisor writes a running job, every write is serialized.
//     A terminal job is never written again.
//   - Job progress never decreases and nothing is published after the
//     terminal event.
//   - A panic or an unreachable engine control plane fails the job, any
//     other adapter failure becomes a warning.
//   - Findings collected before a failure or a cancellation are kept.
//
// A janitor scheduled by gocron drops the handles of finished supervisors.
// Export of the CycloneDX document of finished jobs goes through Uploader.
