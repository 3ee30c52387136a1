// Package auth provides optional bearer-token authentication for the broker.
//
// When auth.jwt_secret is configured, every /api and /ws request and every
// gRPC call must carry an HS256 JWT:
//
//	Authorization: Bearer <token>
//
// WebSocket clients that cannot set headers may pass ?access_token=<token>.
//
// # Claims
//
//   - sub: caller name, recorded in logs
//   - role: "agent" (default), "observer" (read-only) or "admin"
//   - exp: expiry, required to be in the future when present
//
// Tokens are minted with JWTVerifier.Generate, which the kokino-broker CLI
// exposes as the token command.
package auth
