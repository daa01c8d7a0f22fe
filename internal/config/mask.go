package config

import (
	"net/url"
	"strings"
)

// MaskDatabaseURL returns a copy of raw with any connection-string password
// replaced by "***", safe to include in logs. Malformed URLs and URLs with
// no credentials are returned unchanged. Shared by internal/landscape.Config
// and the migrations CLI so both mask the one connection string the same
// way.
func MaskDatabaseURL(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if u.User == nil {
		return raw
	}

	password, hasPassword := u.User.Password()
	if !hasPassword || password == "" {
		return raw
	}

	u.User = url.UserPassword(u.User.Username(), "***")

	// net/url encodes *** as %2A%2A%2A; restore the literal for readability.
	return strings.Replace(u.String(), "%2A%2A%2A", "***", 1)
}
