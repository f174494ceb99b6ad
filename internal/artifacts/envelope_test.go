package artifacts

import (
	"context"
	"testing"

	"github.com/nooterra/settld/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealEvidenceUnsealRoundTrips(t *testing.T) {
	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i)
	}
	subject := []byte("case_123")
	plaintext := []byte("bank account ending 4242")

	sealed, err := SealEvidence(masterKey, subject, "dispute_evidence:bank.txt", plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := UnsealEvidence(masterKey, subject, "dispute_evidence:bank.txt", sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestUnsealEvidenceRejectsWrongSubject(t *testing.T) {
	masterKey := make([]byte, 32)
	sealed, err := SealEvidence(masterKey, []byte("case_123"), "dispute_evidence:bank.txt", []byte("secret"))
	require.NoError(t, err)

	_, err = UnsealEvidence(masterKey, []byte("case_999"), "dispute_evidence:bank.txt", sealed)
	require.Error(t, err)
}

func TestBuildEvidencePacketSealsDocuments(t *testing.T) {
	st := memory.New()
	s := New(st)
	ctx := context.Background()
	masterKey := make([]byte, 32)

	artifact, err := s.BuildEvidencePacket(ctx, "t1", NewArtifactID("dispute_evidence_packet"), "case_123", masterKey, map[string][]byte{
		"bank.txt": []byte("bank account ending 4242"),
	})
	require.NoError(t, err)
	assert.Equal(t, true, artifact.Core["sealed"])
	assert.NotEmpty(t, artifact.Core["packetHash"])

	require.NoError(t, Verify(artifact))
}
