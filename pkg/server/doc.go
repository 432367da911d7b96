// Package server exposes the orchestration engine over HTTP.
//
// Deploy, destroy and purge are accepted synchronously (the request is
// validated and preconditions are checked) and then run on the engine's
// dispatcher; the response is 202 with the service id. Executors report
// asynchronous results to /v1/callbacks/{deploy|destroy}/{id}. Engine error
// codes map to HTTP statuses and every error body is an ErrorResponse.
package server
