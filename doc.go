// Package authcore issues and validates the token families of a
// multi-tenant identity backend: allowlisted access tokens, single-use
// rotating refresh tokens, short-lived step-up tokens, and the scoped flow
// tokens that carry a login through two-factor verification.
//
// The engine is storage-agnostic about principals (callers implement
// PrincipalStore) and uses Redis for everything with a TTL: the access
// token allowlist, refresh records, and email send cooldowns.
package authcore
