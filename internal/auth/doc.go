// Package auth covers both credential surfaces of the gateway.
//
// Bridge traffic uses opaque access tokens issued by Authority: formatted as
// <prefix>_<base36 timestamp>_<random payload>, shape-checked with a fixed
// regex before any store lookup, and scoped by per-resource-type permission
// entries with optional endpoint glob constraints.
//
// The management API uses HS256 JWTs (JWTVerifier) carried as bearer tokens;
// HTTPAuthMiddleware resolves the user and injects it into request context.
package auth
