// Package session derives a stable user identifier from inbound request
// headers. The identifier is only used to partition token storage between
// concurrent MCP clients; it is NOT a security boundary. Header values are
// accepted without signature or verification, so any caller able to set
// headers can claim any identity. Treat it as a routing heuristic.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"slackmcp/pkg/logging"
)

// DefaultUserID is the fallback identity used when no identifying header is
// present. Single-user deployments run entirely under this identity; that is
// a deliberate degraded mode, not an error.
const DefaultUserID = "default_user"

// SessionIDHeader is the MCP standard session header and takes priority over
// every custom header.
const SessionIDHeader = "Mcp-Session-Id"

// identityHeaders is the fixed lookup order after SessionIDHeader. The order
// must not change at runtime: identical header sets must always resolve to
// the identical user identifier.
var identityHeaders = [...]string{
	"X-User-Id",
	"X-Mcp-User-Id",
	"X-Session-Id",
}

const (
	// authHashPrefixLen bounds how much of an Authorization header is fed to
	// the hash, so full bearer credentials never become identifiers.
	authHashPrefixLen = 20

	// idLen is the length of every derived identifier.
	idLen = 16
)

// Mode selects between single-user and multi-user identity resolution.
type Mode int

const (
	// ModeMultiUser inspects headers and falls back to DefaultUserID.
	ModeMultiUser Mode = iota
	// ModeSingleUser ignores headers entirely; every request is DefaultUserID.
	ModeSingleUser
)

// Resolver computes user identifiers from request headers.
type Resolver struct {
	mode Mode
}

// NewResolver creates a resolver with the given mode.
func NewResolver(mode Mode) *Resolver {
	return &Resolver{mode: mode}
}

// Resolve returns the user identifier for a request. The MCP session header
// wins, then the custom identity headers in fixed order, then a one-way hash
// of the Authorization header prefix, then DefaultUserID.
func (r *Resolver) Resolve(header http.Header) string {
	if r.mode == ModeSingleUser {
		return DefaultUserID
	}

	if v := strings.TrimSpace(header.Get(SessionIDHeader)); v != "" {
		// The MCP session ID is already an opaque server-issued value; use it
		// directly instead of hashing.
		return clip(v)
	}

	for _, name := range identityHeaders {
		if v := strings.TrimSpace(header.Get(name)); v != "" {
			return hashIdentity(v)
		}
	}

	if v := header.Get("Authorization"); v != "" {
		prefix := v
		if len(prefix) > authHashPrefixLen {
			prefix = prefix[:authHashPrefixLen]
		}
		return hashIdentity(prefix)
	}

	logging.Debug("Session", "No identifying headers present, using %s", DefaultUserID)
	return DefaultUserID
}

// hashIdentity derives an identifier from a raw header value without storing
// the value itself.
func hashIdentity(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:idLen]
}

func clip(v string) string {
	if len(v) > idLen {
		return v[:idLen]
	}
	return v
}
