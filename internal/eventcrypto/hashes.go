package eventcrypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
)

// stripKeys removes the named top-level keys from a JSON object, returning
// a new JSON byte slice. Used ahead of hashing and signing, where
// "unsigned", "signatures" and (when hashing) "hashes" must not themselves
// be covered by the hash/signature they produce.
func stripKeys(input []byte, keys []string) ([]byte, error) {
	out := input
	var err error
	for _, k := range keys {
		out, err = sjson.DeleteBytes(out, k)
		if err != nil {
			return nil, fmt.Errorf("eventcrypto: strip %q: %w", k, err)
		}
	}
	return out, nil
}

// ContentHash computes the event's content hash: sha256 over the canonical
// JSON form of the event with "unsigned", "signatures" and "hashes"
// removed. This is the value that ends up at event.hashes.sha256 and,
// for room versions 3+, feeds directly into the reference hash that
// becomes the event_id.
func ContentHash(eventJSON []byte) ([]byte, error) {
	stripped, err := stripKeys(eventJSON, []string{"unsigned", "signatures", "hashes"})
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: canonicalize for content hash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// AddContentHash computes the content hash and writes it to
// event.hashes.sha256 (base64, unpadded), returning the updated JSON.
func AddContentHash(eventJSON []byte) ([]byte, error) {
	hash, err := ContentHash(eventJSON)
	if err != nil {
		return nil, err
	}
	encoded := base64.RawStdEncoding.EncodeToString(hash)
	return sjson.SetBytes(eventJSON, "hashes.sha256", encoded)
}

// ReferenceHash computes the bytes that become the event_id for room
// versions using EventIDFormatHash: sha256 over the canonical JSON of the
// *redacted* event with "age_ts", "unsigned", "signatures" stripped (the
// redacted form is used so that later redaction of the event never changes
// its identity).
func ReferenceHash(eventJSON []byte, version RoomVersion) ([]byte, error) {
	redacted, err := Redact(eventJSON, version)
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: redact for reference hash: %w", err)
	}
	stripped, err := stripKeys(redacted, []string{"age_ts", "unsigned", "signatures"})
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: canonicalize for reference hash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// EventID computes the event_id for room versions 3+, given the event's
// reference hash: "$" followed by the unpadded base64url encoding.
func EventID(referenceHash []byte) string {
	return "$" + base64.RawURLEncoding.EncodeToString(referenceHash)
}

// VerifyContentHash reports whether the "hashes.sha256" field on the event
// matches a freshly computed content hash. A mismatch does not necessarily
// mean the signature is invalid — per §4.7 step 4, a hash mismatch alone
// triggers redact-and-retry rather than an outright drop.
func VerifyContentHash(eventJSON []byte) (bool, error) {
	var withHash struct {
		Hashes struct {
			SHA256 string `json:"sha256"`
		} `json:"hashes"`
	}
	if err := json.Unmarshal(eventJSON, &withHash); err != nil {
		return false, fmt.Errorf("eventcrypto: parse hashes field: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(withHash.Hashes.SHA256)
	if err != nil {
		// Some events in the wild pad their base64; accept that too.
		want, err = base64.StdEncoding.DecodeString(withHash.Hashes.SHA256)
		if err != nil {
			return false, fmt.Errorf("eventcrypto: decode hashes.sha256: %w", err)
		}
	}
	got, err := ContentHash(eventJSON)
	if err != nil {
		return false, err
	}
	return bytes.Equal(want, got), nil
}
