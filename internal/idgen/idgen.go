// Package idgen generates identifiers for requests and stream consumers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID in canonical form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 random hex chars (e.g. "req_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Consumer names a stream consumer. Names are stable per host prefix and
// unique per process so a restarted instance does not inherit the pending
// entries of a crashed one under the same name.
func Consumer(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		host = "riskd"
	}
	return host + "-" + uuid.NewString()[:8]
}
