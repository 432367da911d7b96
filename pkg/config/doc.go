// Package config loads the stackpilot service configuration.
//
// A configuration is a YAML document decoded on top of Default. The raw
// document is first checked against a CUE schema that constrains values
// (executor kinds, URLs, log levels, sampling rates); the decoder then
// rejects unknown keys and the decoded struct is validated with
// go-playground/validator. A small set of STACKPILOT_* environment variables
// overrides single settings after the file is read:
//
//	STACKPILOT_SERVER_ADDRESS        server.address
//	STACKPILOT_DATABASE_PATH         database.path
//	STACKPILOT_SECRETS_KEY           secrets.key
//	STACKPILOT_LOG_LEVEL             telemetry.logging.level
//	STACKPILOT_LOG_FORMAT            telemetry.logging.format
//	STACKPILOT_WORKERS_MAX_PARALLEL  workers.maxParallel
//	STACKPILOT_TERRAFORM_URL         baseURL of the terraform executor
//	STACKPILOT_OPENTOFU_URL          baseURL of the opentofu executor
//	STACKPILOT_CALLBACK_URL          callbackURL of every executor
package config
