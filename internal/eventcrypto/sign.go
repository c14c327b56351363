package eventcrypto

import (
	"encoding/base64"
	"fmt"

	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"
)

// Sign adds a signature for serverName/keyID to event.signatures, computed
// over the canonical JSON of the event with "unsigned" and the whole
// "signatures" object removed first, per §4.1. The returned JSON
// carries every previously-present signature untouched plus the new one.
func Sign(eventJSON []byte, serverName string, keyID string, privateKey ed25519.PrivateKey) ([]byte, error) {
	unsignedStripped, err := stripKeys(eventJSON, []string{"unsigned", "signatures"})
	if err != nil {
		return nil, err
	}
	toSign, err := CanonicalJSON(unsignedStripped)
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: canonicalize for signing: %w", err)
	}
	sig := ed25519.Sign(privateKey, toSign)
	encoded := base64.RawStdEncoding.EncodeToString(sig)
	return sjson.SetBytes(eventJSON, fmt.Sprintf("signatures.%s.%s", serverName, keyID), encoded)
}

// SignJSON signs an arbitrary canonical-JSON-able object (used for signing
// key server responses and EDUs, not just PDUs, per §4.1's "signs objects"
// wording) the same way Sign does but without stripping "unsigned", since
// non-PDU objects have no such field to exclude.
func SignJSON(objJSON []byte, serverName string, keyID string, privateKey ed25519.PrivateKey) ([]byte, error) {
	stripped, err := stripKeys(objJSON, []string{"signatures"})
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return nil, fmt.Errorf("eventcrypto: canonicalize for signing: %w", err)
	}
	sig := ed25519.Sign(privateKey, canonical)
	encoded := base64.RawStdEncoding.EncodeToString(sig)
	return sjson.SetBytes(objJSON, fmt.Sprintf("signatures.%s.%s", serverName, keyID), encoded)
}
