// Package policy provides Open Policy Agent (OPA) evaluation of deployment plans.
//
// Before a deployment is handed to its executor, the engine asks for a dry-run
// plan and evaluates it against the policies that apply to the requesting user
// and cloud provider. This package supplies that backend.
//
// # Components
//
//  1. Evaluator - Compiles Rego documents and queries their deny rule
//  2. Manager - Implements engine.PolicyBackend over user and global policies
//  3. Loader - Reads global policies from disk and watches them for changes
//
// # Writing Policies
//
// A policy is a Rego module that defines a deny set. The plan is the input
// document, decoded from the executor's JSON plan output:
//
//	package stackpilot.network
//
//	deny[msg] {
//	    change := input.resource_changes[_]
//	    change.type == "huaweicloud_vpc_eip"
//	    msg := sprintf("public ip %s is not allowed", [change.address])
//	}
//
// Entries may also be objects with a "msg" or "message" field. Every entry
// becomes a violation; a module that fails to compile or evaluate also
// counts as one, so a broken policy never lets a deployment through.
//
// # Global and User Policies
//
// Global policies are loaded from directories at startup and apply to every
// deployment. With watching enabled they are reloaded after changes:
//
//	loader := policy.NewLoader(logger)
//	manager := policy.NewManager(store, policy.NewEvaluator(logger), logger)
//	err := manager.LoadGlobal(ctx, loader, []string{"/etc/stackpilot/policies"}, true)
//
// User policies are stored per user and optionally scoped to one provider.
// Only enabled policies are evaluated.
package policy
