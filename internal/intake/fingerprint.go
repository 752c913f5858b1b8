package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const fingerprintVersion = "v1"

// NormalizeEventID trims and NFC-normalizes an event identifier so that visually identical
// ids from different encoders fingerprint the same.
func NormalizeEventID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// Fingerprint is the hex SHA-256 of the tuple (version, tenant, event). Fields are NUL
// separated so no two tuples share an encoding.
func Fingerprint(tenantID, eventID string) string {
	h := sha256.New()
	h.Write([]byte(fingerprintVersion))
	h.Write([]byte{0})
	h.Write([]byte(norm.NFC.String(strings.TrimSpace(tenantID))))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeEventID(eventID)))
	return hex.EncodeToString(h.Sum(nil))
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
