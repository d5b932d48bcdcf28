// Package aeor implements the atomic execution and orchestration runtime.
//
// An Orchestrator moves one proposed mutation through a strict pipeline:
//
//	RegisterCommitment          lock pre-mutation state, stage the sandbox
//	SuperviseExecutionAndAudit  execute in isolation, audit concurrently, commit or roll back
//	TriggerAtomicRollback       reverse registrar state, release the lock, discard sandbox changes
//
// Every collaborator (registrar, executor, audit sources, policy engine, telemetry)
// is injected through Dependencies. The Orchestrator itself holds no per-deployment
// state; the optional Journal records each deployment's lifecycle.
//
// A commit is never compensated. A failed commit, or a failed compensation, is
// reported as INTEGRITY_VIOLATION, logged at LevelCritical and escalated.
package aeor
