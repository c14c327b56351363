// Package keyring implements the server-signing-key cache (C2): resolving
// a (server_name, key_id) pair to the ed25519 verify key currently valid
// for it, fetched either directly from the origin server or via a notary,
// and cached with the same valid_until_ts semantics Matrix federation uses
// to let servers rotate keys without invalidating old signatures.
package keyring

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ed25519"
)

// VerifyKey is one signing key advertised by a server, together with the
// point in time up to which responses signed with it remain trustworthy.
type VerifyKey struct {
	ServerName  string
	KeyID       string
	PublicKey   ed25519.PublicKey
	ValidUntil  time.Time
	FetchedFrom string // "direct" or the notary server name, for diagnostics
}

// maxKeyValidity is the clamp applied to any valid_until_ts a server (or a
// notary on its behalf) advertises: per §4.2/§5, a server's own stated
// validity window is never trusted further out than 7 days from when we
// fetched it, so a compromised key discovered later can't be waved through
// by a staledate in a signature nobody is checking anymore.
const maxKeyValidity = 7 * 24 * time.Hour

// Fetcher retrieves a server's current signing keys, either by asking that
// server directly or by asking a notary server to vouch for them. Both
// strategies return the same shape; KeyRing decides which to use and how
// to combine the results.
type Fetcher interface {
	// FetchKeys returns every currently-published verify key for
	// serverName that this fetcher knows how to reach.
	FetchKeys(ctx context.Context, serverName string) (map[string]VerifyKey, error)
}

// NotaryFetcher wraps a Fetcher that answers queries for other servers by
// forwarding to a well-known notary (a third party, e.g. matrix.org, whose
// own keys we trust to sign attestations about others). It differs from a
// DirectFetcher only in that the HTTP target is the notary, not serverName
// itself. NotaryFetcher does not check the notary's signature on the
// response; it returns whatever keys Fetch yields, tagged with the notary
// name.
type NotaryFetcher struct {
	Notary string
	Fetch  func(ctx context.Context, notary, serverName string) (map[string]VerifyKey, error)
}

func (n *NotaryFetcher) FetchKeys(ctx context.Context, serverName string) (map[string]VerifyKey, error) {
	if n.Fetch == nil {
		return nil, fmt.Errorf("keyring: notary fetcher for %s has no transport configured", n.Notary)
	}
	keys, err := n.Fetch(ctx, n.Notary, serverName)
	if err != nil {
		return nil, fmt.Errorf("keyring: notary %s lookup for %s: %w", n.Notary, serverName, err)
	}
	for id, k := range keys {
		k.FetchedFrom = n.Notary
		keys[id] = k
	}
	return keys, nil
}

// DirectFetcher asks serverName's own /_matrix/key/v2/server endpoint.
type DirectFetcher struct {
	Fetch func(ctx context.Context, serverName string) (map[string]VerifyKey, error)
}

func (d *DirectFetcher) FetchKeys(ctx context.Context, serverName string) (map[string]VerifyKey, error) {
	if d.Fetch == nil {
		return nil, fmt.Errorf("keyring: direct fetcher has no transport configured")
	}
	keys, err := d.Fetch(ctx, serverName)
	if err != nil {
		return nil, fmt.Errorf("keyring: direct key lookup for %s: %w", serverName, err)
	}
	for id, k := range keys {
		k.FetchedFrom = "direct"
		keys[id] = k
	}
	return keys, nil
}

func clampValidity(t time.Time, fetchedAt time.Time) time.Time {
	if max := fetchedAt.Add(maxKeyValidity); t.After(max) {
		return max
	}
	return t
}
