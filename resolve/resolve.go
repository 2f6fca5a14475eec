// Package resolve implements conflict resolution between a local and a
// server version of the same entity. Resolvers are pure functions of their
// inputs so they are trivially unit-testable with synthetic timestamps.
package resolve

import "time"

// Candidate is one side of a conflict. For encrypted entity types the
// payload is opaque ciphertext; UpdatedAt travels alongside in the clear and
// is the only field resolution may inspect.
type Candidate struct {
	EntityType string
	EntityID   string
	UpdatedAt  time.Time
	Payload    []byte
}

// Decision is the outcome of conflict resolution.
type Decision string

const (
	// KeepLocal re-submits the local version with a force directive.
	KeepLocal Decision = "keep_local"

	// KeepServer discards the local change and applies the server version.
	KeepServer Decision = "keep_server"

	// Manual declines to auto-resolve; the item is parked for the user.
	Manual Decision = "manual"
)

// Resolver selects a winner between a local and a server candidate.
// Implementations must be deterministic and side-effect-free.
type Resolver interface {
	Resolve(local, server Candidate) Decision
}

// LastWriteWins resolves by UpdatedAt comparison: the strictly newer
// timestamp wins. Exact ties favor the server, which is canonical for
// multi-device scenarios.
type LastWriteWins struct{}

var _ Resolver = LastWriteWins{}

func (LastWriteWins) Resolve(local, server Candidate) Decision {
	if local.UpdatedAt.After(server.UpdatedAt) {
		return KeepLocal
	}
	return KeepServer
}

// PerType dispatches by entity type: types listed in Manual always resolve
// to Manual (e.g. safety-critical plans where silent overwrites are
// unacceptable); everything else falls through to Fallback.
type PerType struct {
	// Manual lists entity types requiring user resolution.
	Manual map[string]bool

	// Fallback handles all other types. Required.
	Fallback Resolver
}

var _ Resolver = PerType{}

func (p PerType) Resolve(local, server Candidate) Decision {
	if p.Manual[local.EntityType] {
		return Manual
	}
	return p.Fallback.Resolve(local, server)
}

// NewPerType builds a PerType resolver over LastWriteWins with the given
// manual-resolution entity types.
func NewPerType(manualTypes ...string) PerType {
	manual := make(map[string]bool, len(manualTypes))
	for _, t := range manualTypes {
		manual[t] = true
	}
	return PerType{Manual: manual, Fallback: LastWriteWins{}}
}
