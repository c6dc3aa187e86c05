// Package config handles configuration loading for mcp-bridge.
//
// Configuration is loaded from YAML files with environment variable
// expansion (${VAR_NAME}) and validation of required fields.
//
// # Configuration Sections
//
// Server and storage:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	database:
//	  path: "/var/lib/mcp-bridge/bridge.db"
//
// Rate-limit counters (optional; process-local when omitted):
//
//	redis:
//	  addr: "localhost:6379"
//	  password: "${REDIS_PASSWORD}"
//	  db: 0
//
// Management API auth:
//
//	auth:
//	  jwt_secret: "${MCP_BRIDGE_JWT_SECRET}"
//
// Outbound calls and audit batching:
//
//	upstream:
//	  timeout: "30s"
//	audit:
//	  batch_size: 50
//	  flush_interval: "2s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
