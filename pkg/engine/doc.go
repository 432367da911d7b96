// Package engine provides the deployment orchestration core of stackpilot.
//
// # Overview
//
// A deploy request flows through the following components:
//
//  1. Builder - resolves the template, validates and encrypts properties,
//     assigns the task id and attaches the provider's ResourceHandler
//  2. PolicyGate - evaluates the user's policies against a dry-run plan
//  3. Deployment - runs Terraform or OpenTofu through an executor, either
//     returning a result or reporting it later by callback
//  4. Orchestrator - applies results to the stored ServiceRecord
//
// # State Lattice
//
// Records move along a fixed lattice:
//
//	DEPLOYING -> DEPLOY_SUCCESS | DEPLOY_FAILED
//	DEPLOY_SUCCESS | DEPLOY_FAILED -> DESTROYING -> DESTROY_SUCCESS | DESTROY_FAILED
//	DESTROY_FAILED -> MANUAL_CLEANUP_REQUIRED
//
// Any non-transitional state may start a destroy. DEPLOY_FAILED,
// DESTROY_SUCCESS and MANUAL_CLEANUP_REQUIRED may be purged.
//
// # Result Application
//
// Synchronous results and executor callbacks converge on one apply step.
// It runs under a per-id lock, re-reads the record and drops results the
// lattice does not allow from the stored state. Resources, output
// properties and private properties are always replaced in full, and
// sensitive request properties are masked before the record is stored.
// Delivering the same callback twice therefore stores the same record.
//
// A deploy that freshly ends in DEPLOY_FAILED with recorded resources is
// rolled back through the destroy path exactly once.
//
// # Errors
//
// Build-time failures are returned as *EngineError values matching the
// sentinels ErrTemplateNotRegistered, ErrPluginNotFound and
// ErrDeployerNotFound. Execution failures never surface as errors; they are
// recorded on the service record.
package engine
