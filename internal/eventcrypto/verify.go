package eventcrypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// VerifyResult is the tri-state outcome of checking an event's hashes and
// signatures, per §4.7 step 4 / §7: a hash mismatch alone is not fatal (the
// event gets redacted and retried), but a missing or invalid signature is.
type VerifyResult int

const (
	// AllHashesAndSigsValid means the content hash matched and every
	// required signature verified: the event is accepted as-is.
	AllHashesAndSigsValid VerifyResult = iota
	// SignaturesOnlyValid means signatures verified but the content hash
	// did not match: the event must be stored redacted (§4.7 step 4).
	SignaturesOnlyValid
	// Fail means at least one required signature failed to verify, or no
	// key was available to check it: the event is rejected outright.
	Fail
)

func (r VerifyResult) String() string {
	switch r {
	case AllHashesAndSigsValid:
		return "AllHashesAndSigsValid"
	case SignaturesOnlyValid:
		return "SignaturesOnlyValid"
	default:
		return "Fail"
	}
}

// PublicKeyLookup resolves a (server_name, key_id) pair to the verify key
// currently valid for it. Implemented by the keyring package; kept as a
// narrow function type here so eventcrypto has no dependency on keyring's
// fetch/cache machinery.
type PublicKeyLookup func(serverName, keyID string) (ed25519.PublicKey, bool)

// Verify checks an event's signatures (required from its origin server when
// the event names one, and from the sender's own server; the room version
// does not change which servers must sign) and its content hash, returning
// the tri-state result above.
func Verify(eventJSON []byte, version RoomVersion, lookup PublicKeyLookup) (VerifyResult, error) {
	var envelope struct {
		Sender     string                       `json:"sender"`
		Origin     string                       `json:"origin"`
		Signatures map[string]map[string]string `json:"signatures"`
	}
	if err := json.Unmarshal(eventJSON, &envelope); err != nil {
		return Fail, fmt.Errorf("eventcrypto: parse event for verification: %w", err)
	}

	requiredServers := map[string]struct{}{}
	if envelope.Origin != "" {
		requiredServers[envelope.Origin] = struct{}{}
	}
	if senderServer := serverNameFromID(envelope.Sender); senderServer != "" {
		requiredServers[senderServer] = struct{}{}
	}
	if len(requiredServers) == 0 {
		return Fail, fmt.Errorf("eventcrypto: event has neither origin nor a valid sender to check signatures against")
	}

	unsignedStripped, err := stripKeys(eventJSON, []string{"unsigned", "signatures"})
	if err != nil {
		return Fail, err
	}
	signedBytes, err := CanonicalJSON(unsignedStripped)
	if err != nil {
		return Fail, fmt.Errorf("eventcrypto: canonicalize for verification: %w", err)
	}

	for server := range requiredServers {
		keySigs, ok := envelope.Signatures[server]
		if !ok || len(keySigs) == 0 {
			return Fail, nil
		}
		if !anySignatureValid(keySigs, server, signedBytes, lookup) {
			return Fail, nil
		}
	}

	hashOK, err := VerifyContentHash(eventJSON)
	if err != nil {
		return Fail, err
	}
	if hashOK {
		return AllHashesAndSigsValid, nil
	}
	return SignaturesOnlyValid, nil
}

// anySignatureValid reports whether at least one of the server's offered
// (key_id -> signature) pairs verifies against a key we can resolve. A
// server may rotate keys, so more than one key_id can be present; only one
// needs to check out.
func anySignatureValid(keySigs map[string]string, server string, signedBytes []byte, lookup PublicKeyLookup) bool {
	for keyID, sigB64 := range keySigs {
		pub, ok := lookup(server, keyID)
		if !ok {
			continue
		}
		sig, err := decodeSignature(sigB64)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, signedBytes, sig) {
			return true
		}
	}
	return false
}

func decodeSignature(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// serverNameFromID extracts the server name from a Matrix user/event ID of
// the form "@local:server.name" or "$opaque:server.name". Returns "" if id
// has no colon-delimited domain part.
func serverNameFromID(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id[i+1:]
		}
	}
	return ""
}
