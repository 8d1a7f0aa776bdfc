package relay

import "strings"

const bearerPrefix = "Bearer "

// ExtractCredential recovers the bearer credential from an Authorization
// header value. A missing header yields ""; a value without the Bearer prefix
// is returned unchanged — the upstream is the sole arbiter of validity.
//
// The credential is forwarded on exactly one outbound call and must never be
// logged, cached, or persisted anywhere in the relay.
func ExtractCredential(header string) string {
	return strings.TrimPrefix(header, bearerPrefix)
}
