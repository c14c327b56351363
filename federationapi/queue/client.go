package queue

import (
	"context"
	"encoding/json"
)

// EDU is one ephemeral data unit bound for a transaction envelope (§3,
// §4.9): typing, receipts, presence, device-list updates, to-device
// messages, and signing-key updates all ride inside the same envelope
// shape, discriminated by EDUType.
type EDU struct {
	EDUType string          `json:"edu_type"`
	Content json.RawMessage `json:"content"`
}

// Transaction is the body of a PUT /_matrix/federation/v1/send/{txn_id}
// request (§6): a server-assigned monotonic id, this server's name, and
// up to the per-transaction limit of PDUs and EDUs sharing one envelope
// (§4.9).
type Transaction struct {
	TransactionID  string            `json:"-"`
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []EDU             `json:"edus,omitempty"`
}

// TransactionResult is the receiving server's per-event accept/reject
// response to one transaction, keyed by event_id (§6).
type TransactionResult struct {
	PDUResults map[string]string // event_id -> "" on success, an error message on rejection
}

// Client sends a transaction to a destination server and a push payload
// to a push gateway. The actual HTTP transport (signing the request,
// following redirects, resolving .well-known/SRV per the Matrix server
// discovery algorithm) is an external collaborator injected here, the
// same way keyring.DirectFetcher and roomserver/internal/input.FetchRemote
// take their transport as a function rather than owning an http.Client.
type Client interface {
	SendTransaction(ctx context.Context, destination string, txn Transaction) (TransactionResult, error)
	SendPush(ctx context.Context, destination string, pushPayload json.RawMessage) error
}

// ClientFunc adapts a pair of plain functions to Client, for callers that
// only need to stub SendTransaction in tests.
type ClientFunc struct {
	SendTransactionFunc func(ctx context.Context, destination string, txn Transaction) (TransactionResult, error)
	SendPushFunc        func(ctx context.Context, destination string, pushPayload json.RawMessage) error
}

func (c ClientFunc) SendTransaction(ctx context.Context, destination string, txn Transaction) (TransactionResult, error) {
	return c.SendTransactionFunc(ctx, destination, txn)
}

func (c ClientFunc) SendPush(ctx context.Context, destination string, pushPayload json.RawMessage) error {
	if c.SendPushFunc == nil {
		return nil
	}
	return c.SendPushFunc(ctx, destination, pushPayload)
}
