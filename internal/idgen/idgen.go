// Package idgen generates the coordinator's external-facing identifiers:
// short, prefixed, collision-resistant strings derived from a UUIDv4, in
// the style of Stripe/Stax object ids (e.g. "evt_...", "gate_...").
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed id: "<prefix>_<uuid-without-dashes>".
func New(prefix string) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "_" + raw
}

// Event generates an event id.
func Event() string { return New("evt") }

// Stream generates a stream id for an aggregate kind, e.g. Stream("agent").
func Stream(kind string) string { return New(kind) }
