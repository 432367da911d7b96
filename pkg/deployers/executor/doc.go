// Package executor implements engine.Deployment on top of a remote
// Terraform or OpenTofu executor service.
//
// A Client posts the task's scripts and resolved variables to
// {base}/v1/{kind}/{deploy|destroy|plan}. In async mode it posts to the
// /async variant with a webhook pointing at
// {callback}/v1/callbacks/{operation}/{taskId} and reports IN_PROGRESS; the
// orchestrator then finishes the operation when the callback arrives.
//
// Requests go through a failsafe-go retry policy that retries network
// errors, 5xx responses and 429s with jittered exponential backoff.
package executor
