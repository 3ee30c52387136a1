// Package dedupe remembers the results of idempotent requests for a time
// window so that a retried request returns the original result instead of
// being processed twice.
package dedupe
