// Package canon implements RFC 8785 JSON Canonicalization (JCS) plus the
// SHA-256 and Ed25519 primitives layered on top of it. Every hash and
// signature in the coordinator — chain hashes, artifact hashes, grant
// hashes, idempotency route-binding hashes — goes through Canonicalize and
// HashOf here, so two callers never compute the same logical value two
// different ways.
package canon

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
)

// Canonicalize renders v as RFC 8785 canonical JSON: object keys sorted by
// UTF-16 code unit, no insignificant whitespace, and numbers printed in
// their shortest round-tripping form. v is first passed through
// encoding/json so structs, maps, and slices are all accepted; the
// resulting generic value is then re-emitted canonically.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, coordinatorerrors.EncodeNonCanonical(err.Error())
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, coordinatorerrors.EncodeNonCanonical(err.Error())
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeCanonicalNumber(buf, val)
	case string:
		encodeCanonicalString(buf, val)
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sortByUTF16(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return coordinatorerrors.EncodeNonCanonical(fmt.Sprintf("unsupported type %T", v))
	}
}

// sortByUTF16 sorts strings by their UTF-16 code unit sequence, as RFC 8785
// requires (not by Go's default byte-wise string comparison, which differs
// for characters outside the Basic Multilingual Plane).
func sortByUTF16(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		a := utf16.Encode([]rune(keys[i]))
		b := utf16.Encode([]rune(keys[j]))
		for k := 0; k < len(a) && k < len(b); k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return len(a) < len(b)
	})
}

func encodeCanonicalString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// encodeCanonicalNumber re-emits a json.Number in RFC 8785 form: integers
// without a decimal point, no leading zeros, no trailing fractional zeros,
// and non-finite values rejected outright.
func encodeCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	f, err := n.Float64()
	if err != nil {
		return coordinatorerrors.EncodeNonCanonical("number does not parse as float64")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return coordinatorerrors.EncodeNonCanonical("non-finite number")
	}

	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		// Integral literal: drop any stray leading zeros, keep sign.
		buf.WriteString(trimLeadingZeros(s))
		return nil
	}

	// Re-render with the shortest round-tripping digits in the ECMAScript
	// number form RFC 8785 adopts: plain decimal for 1e-6 <= |f| < 1e21,
	// otherwise exponent form with an explicit sign and no zero padding
	// ("1e+21", "1.5e-7").
	if f == 0 {
		buf.WriteString("0")
		return nil
	}
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	buf.WriteString(mantissa + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0"))
	return nil
}

func trimLeadingZeros(s string) string {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	s = strings.TrimLeft(s, "0")
	if s == "" {
		s = "0"
	}
	if neg && s != "0" {
		return "-" + s
	}
	if neg {
		return "0"
	}
	return s
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashOf canonicalizes v and returns its SHA-256 hex digest. This is the
// universal hash used for chain hashes, artifact hashes, and grant hashes.
func HashOf(v any) (string, error) {
	c, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(c), nil
}

// Sign signs the hex-encoded content hash (not the raw canonical bytes) with
// an Ed25519 private key, and returns the base64 standard encoding of the
// signature. Signing the hash hex — a short ASCII string — rather than the
// payload bytes keeps the signature decoupled from the payload's byte
// layout (only the documented canonicalization rule matters).
func Sign(priv ed25519.PrivateKey, contentHashHex string) string {
	sig := ed25519.Sign(priv, []byte(contentHashHex))
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a base64-encoded Ed25519 signature over a hex content hash.
func Verify(pub ed25519.PublicKey, contentHashHex string, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(contentHashHex), sig)
}
