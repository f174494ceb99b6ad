// Package artifacts builds and verifies the coordinator's content-addressed
// artifacts (statements, payout instructions, audit packets) and assembles
// deterministic zip bundles for export (spec §4.8).
package artifacts

import (
	"context"
	"time"

	"github.com/nooterra/settld/internal/canon"
	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/idgen"
	"github.com/nooterra/settld/internal/store"
)

// Store wraps the Store port with artifact construction/verification.
type Store struct {
	st store.Store
}

// New builds a Store over st.
func New(st store.Store) *Store {
	return &Store{st: st}
}

// Build constructs an artifact of artifactType from core: the hash is
// computed over core with no artifactHash field present (spec §4.8: "the
// hash is over the core object with artifactHash field omitted"), then
// persisted content-addressed by (tenantId, artifactType, artifactHash).
// Re-building identical core for the same artifactId is a no-op: the
// Store enforces same-id ⇒ same-hash (invariant ii).
func (s *Store) Build(ctx context.Context, tenantID, artifactType, artifactID string, core map[string]any) (*store.Artifact, error) {
	hash, err := canon.HashOf(core)
	if err != nil {
		return nil, err
	}

	artifact := store.Artifact{
		TenantID:     tenantID,
		ArtifactID:   artifactID,
		ArtifactType: artifactType,
		ArtifactHash: hash,
		Core:         core,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.st.CommitTx(ctx, artifact.CreatedAt, []store.Op{{Kind: store.OpArtifactPut, Artifact: &artifact}}); err != nil {
		return nil, err
	}
	return &artifact, nil
}

// Verify re-canonicalizes core, recomputes its hash, and compares
// byte-for-byte against artifact.ArtifactHash (spec §4.8: "verifiers
// re-canonicalize, recompute, and compare byte-for-byte").
func Verify(artifact *store.Artifact) error {
	if artifact == nil {
		return coordinatorerrors.NotFound("artifact", "")
	}
	recomputed, err := canon.HashOf(artifact.Core)
	if err != nil {
		return err
	}
	if recomputed != artifact.ArtifactHash {
		return coordinatorerrors.New("ARTIFACT_HASH_MISMATCH", "recomputed hash does not match stored artifactHash", 500).
			WithDetails("artifactId", artifact.ArtifactID).
			WithDetails("expected", artifact.ArtifactHash).
			WithDetails("actual", recomputed)
	}
	return nil
}

// NewArtifactID mints a prefixed artifact id for a given artifactType.
func NewArtifactID(artifactType string) string {
	return idgen.New("art_" + artifactType)
}

// BuildEvidencePacket seals each named plaintext document under envelope
// encryption (keyed by masterKey + subject, so a packet leaked without the
// coordinator's key reveals nothing) and assembles the sealed blobs into a
// deterministic audit-packet zip, then stores that zip's hash as a
// "dispute_evidence_packet" artifact. Used for dispute/arbitration evidence
// bundles (spec §4.9), which unlike statements and payout instructions
// carry raw caller-submitted documents rather than derived ledger data.
func (s *Store) BuildEvidencePacket(ctx context.Context, tenantID, artifactID, subject string, masterKey []byte, documents map[string][]byte) (*store.Artifact, error) {
	names := make([]string, 0, len(documents))
	for name := range documents {
		names = append(names, name)
	}
	entries := make([]PacketEntry, 0, len(documents))
	for _, name := range names {
		sealed, err := SealEvidence(masterKey, []byte(subject), "dispute_evidence:"+name, documents[name])
		if err != nil {
			return nil, err
		}
		entries = append(entries, PacketEntry{Name: name, Data: sealed})
	}
	packet, err := BuildAuditPacket(entries)
	if err != nil {
		return nil, err
	}
	core := map[string]any{
		"subject":    subject,
		"packetHash": canon.SHA256Hex(packet),
		"sealed":     true,
	}
	return s.Build(ctx, tenantID, "dispute_evidence_packet", artifactID, core)
}
