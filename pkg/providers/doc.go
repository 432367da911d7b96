// Package providers normalizes Terraform and OpenTofu state files into
// engine resources for each supported cloud provider.
//
// Every provider is a StateHandler over a table of resource types. Root
// module outputs become result properties; each instance of a supported
// managed resource becomes one engine.Resource carrying its id, name and the
// mapped attributes. Unknown resource types and data sources are skipped.
package providers
