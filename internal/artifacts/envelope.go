package artifacts

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const envelopeVersionPrefix = "v1:"

// deriveEnvelopeKey derives a per-subject AES-256 key from the coordinator's
// master key (config.Security.EnvelopeEncryptionKey) so a leaked artifact
// blob can't be decrypted without also knowing which subject it seals.
func deriveEnvelopeKey(masterKey, subject []byte, info string) ([]byte, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("envelope: master key must be 32 bytes, got %d", len(masterKey))
	}
	mac := hmac.New(sha256.New, masterKey)
	_, _ = mac.Write([]byte(info))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write(subject)
	return mac.Sum(nil), nil
}

func envelopeAAD(subject []byte, info string) []byte {
	aad := make([]byte, 0, len(info)+1+len(subject))
	aad = append(aad, info...)
	aad = append(aad, 0)
	aad = append(aad, subject...)
	return aad
}

// SealEvidence encrypts a raw evidence payload (a dispute's uploaded
// document, a payout instruction's bank details) before it's added as a
// PacketEntry in an audit packet. The artifact's own content hash (Build)
// still runs over the core object with this sealed blob referenced by name,
// not over the plaintext, so sealing never disturbs hash verification.
func SealEvidence(masterKey, subject []byte, info string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	key, err := deriveEnvelopeKey(masterKey, subject, info)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: new gcm: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: read nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, envelopeAAD(subject, info))
	buf := make([]byte, 0, len(nonce)+len(ciphertext))
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)
	return []byte(envelopeVersionPrefix + base64.RawURLEncoding.EncodeToString(buf)), nil
}

// UnsealEvidence reverses SealEvidence.
func UnsealEvidence(masterKey, subject []byte, info string, sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, nil
	}
	encoded := strings.TrimPrefix(strings.TrimSpace(string(sealed)), envelopeVersionPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode ciphertext: %w", err)
	}
	key, err := deriveEnvelopeKey(masterKey, subject, info)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: new gcm: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("envelope: ciphertext too short")
	}
	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, envelopeAAD(subject, info))
	if err != nil {
		return nil, fmt.Errorf("envelope: decrypt: %w", err)
	}
	return plaintext, nil
}
