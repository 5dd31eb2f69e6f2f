// Package config loads the depup service configuration and deployment plans.
//
// # Service configuration
//
// ServiceConfig is read from YAML over DefaultServiceConfig, then the
// DEPUP_DB_PATH, DEPUP_REDIS_ADDR and DEPUP_LOG_LEVEL environment variables
// override the file, and finally the struct tags are checked with
// go-playground/validator:
//
//	database:
//	  path: /var/lib/depup/depup.db
//	queue:
//	  backend: redis        # memory | redis
//	redis:
//	  addr: localhost:6379
//	policies:
//	  paths: [/etc/depup/policies]
//	  watch: true
//	telemetry:
//	  log_level: info
//	  tracing_exporter: otlp
//	  tracing_endpoint: collector:4317
//	workflows:
//	  allow_custom_parameters: false
//
// # Plans
//
// LoadPlan reads a plan from .yaml, .json or .cue. Every format is checked
// against the built-in #Plan CUE schema, and ValidatePlan then rejects
// duplicate node ids and references to nodes the plan does not declare.
// CUE plans are unified with the schema before decoding, so they may use
// hidden fields and references:
//
//	_compute: "cloudify.nodes.Compute"
//
//	nodes: [
//	    {id: "vm", type: _compute},
//	    {
//	        id:   "web"
//	        type: "cloudify.nodes.WebServer"
//	        relationships: [{target_id: "vm", type: "cloudify.relationships.contained_in"}]
//	    },
//	]
//
// Errors carry the file, line and path of the offending value as
// ValidationErrors.
package config
