package punch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DomainPunch prefixes punch fingerprints. The version suffix allows a
// future change of the fingerprint inputs without colliding with old rows.
const DomainPunch = "punchsync/punch/v1"

// FingerprintPrecision is the timestamp truncation applied before hashing,
// so push and poll renditions of the same punch collide.
const FingerprintPrecision = time.Second

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes the deduplication key of a punch from
// (device-or-none, organization, deviceUserId, truncated timestamp, kind).
// An empty deviceID stands for "no device context".
func Fingerprint(orgID, deviceID, deviceUserID string, kind EventKind, ts time.Time) (string, error) {
	obj := map[string]any{
		"device": deviceID,
		"org":    orgID,
		"user":   deviceUserID,
		"ts":     ts.UTC().Truncate(FingerprintPrecision).Unix(),
		"kind":   string(kind),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainPunch, canonical), nil
}

// EventFingerprint is Fingerprint applied to an event's own fields.
func EventFingerprint(ev RawPunchEvent) (string, error) {
	return Fingerprint(ev.OrgID, ev.DeviceID, ev.DeviceUserID, ev.Kind, ev.Timestamp)
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests.
func MustFingerprint(orgID, deviceID, deviceUserID string, kind EventKind, ts time.Time) string {
	fp, err := Fingerprint(orgID, deviceID, deviceUserID, kind, ts)
	if err != nil {
		panic(err)
	}
	return fp
}
