// Package store provides persistence for bridges, endpoints, access tokens,
// users, and the append-only bridge log.
//
// Two implementations exist: SQLiteStore (modernc.org/sqlite, WAL mode,
// schema created on open) for deployments, and MemoryStore for tests.
// Embedded value objects (auth config, headers, MCP tool/prompt/resource
// definitions, endpoint parameters) are serialized into JSON columns;
// endpoints live in their own table so the UNIQUE(bridge_id, method, path)
// constraint is enforced by the database rather than by callers.
package store
