package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/homeserver/federationapi/storage"
)

func newTestManager(t *testing.T, client Client) *QueueManager {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	return NewQueueManager(db, client, "origin.test")
}

// enqueueRaw inserts a queue row directly against the storage layer,
// bypassing QueueManager.EnqueuePDU/EnqueueEDU so the test can drive
// attemptDelivery deterministically without a background worker
// goroutine racing the assertions.
func enqueueRaw(t *testing.T, q *QueueManager, destination, kind string, body []byte, coalesceKey string) {
	t.Helper()
	ctx := context.Background()
	nid, err := q.DB.InsertJSON(ctx, nil, body)
	require.NoError(t, err)
	if kind == "pdu" {
		require.NoError(t, q.DB.EnqueuePDU(ctx, nil, destination, nid))
		return
	}
	require.NoError(t, q.DB.EnqueueEDU(ctx, nil, destination, kind, nid, coalesceKey))
}

func TestAttemptDeliveryNoPendingReturnsNotSent(t *testing.T) {
	q := newTestManager(t, ClientFunc{})
	sent, err := q.attemptDelivery(context.Background(), "dest.test")
	require.NoError(t, err)
	require.False(t, sent)
}

func TestAttemptDeliverySuccessAcknowledgesPDU(t *testing.T) {
	var gotTxn Transaction
	client := ClientFunc{SendTransactionFunc: func(ctx context.Context, destination string, txn Transaction) (TransactionResult, error) {
		gotTxn = txn
		return TransactionResult{}, nil
	}}
	q := newTestManager(t, client)
	enqueueRaw(t, q, "dest.test", "pdu", []byte(`{"type":"m.room.message","room_id":"!r:test"}`), "")

	sent, err := q.attemptDelivery(context.Background(), "dest.test")
	require.NoError(t, err)
	require.True(t, sent)
	require.Len(t, gotTxn.PDUs, 1)
	require.Equal(t, "origin.test", gotTxn.Origin)

	rows, err := q.DB.SelectPending(context.Background(), nil, "dest.test", 10)
	require.NoError(t, err)
	require.Empty(t, rows, "acknowledged rows must not remain pending")
}

func TestAttemptDeliveryFailureResetsToPending(t *testing.T) {
	client := ClientFunc{SendTransactionFunc: func(ctx context.Context, destination string, txn Transaction) (TransactionResult, error) {
		return TransactionResult{}, context.DeadlineExceeded
	}}
	q := newTestManager(t, client)
	enqueueRaw(t, q, "dest.test", "pdu", []byte(`{"type":"m.room.message","room_id":"!r:test"}`), "")

	sent, err := q.attemptDelivery(context.Background(), "dest.test")
	require.Error(t, err)
	require.True(t, sent)

	rows, err := q.DB.SelectPending(context.Background(), nil, "dest.test", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1, "a failed attempt must put the row back to pending for retry")
}

func TestAttemptDeliveryBundlesEDUsAlongsidePDUs(t *testing.T) {
	var gotTxn Transaction
	client := ClientFunc{SendTransactionFunc: func(ctx context.Context, destination string, txn Transaction) (TransactionResult, error) {
		gotTxn = txn
		return TransactionResult{}, nil
	}}
	q := newTestManager(t, client)
	enqueueRaw(t, q, "dest.test", "pdu", []byte(`{"type":"m.room.message"}`), "")
	enqueueRaw(t, q, "dest.test", "edu.typing", mustMarshalEDU(t, "m.typing", `{"room_id":"!r:test","user_ids":["@alice:test"]}`), "!r:test")

	sent, err := q.attemptDelivery(context.Background(), "dest.test")
	require.NoError(t, err)
	require.True(t, sent)
	require.Len(t, gotTxn.PDUs, 1)
	require.Len(t, gotTxn.EDUs, 1)
	require.Equal(t, "m.typing", gotTxn.EDUs[0].EDUType)
}

func TestAttemptDeliveryPushOnlyNeverCallsSendTransaction(t *testing.T) {
	var pushCalled bool
	var txnCalled bool
	client := ClientFunc{
		SendTransactionFunc: func(ctx context.Context, destination string, txn Transaction) (TransactionResult, error) {
			txnCalled = true
			return TransactionResult{}, nil
		},
		SendPushFunc: func(ctx context.Context, destination string, payload json.RawMessage) error {
			pushCalled = true
			return nil
		},
	}
	q := newTestManager(t, client)
	enqueueRaw(t, q, "dest.test", "push", []byte(`{"notification":{}}`), "")

	sent, err := q.attemptDelivery(context.Background(), "dest.test")
	require.NoError(t, err)
	require.True(t, sent)
	require.True(t, pushCalled)
	require.False(t, txnCalled, "a push-only batch must not open a transaction envelope")
}

func TestRecordFailureDoublesBackoffUpToCap(t *testing.T) {
	q := newTestManager(t, ClientFunc{})
	ctx := context.Background()

	q.recordFailure(ctx, "dest.test")
	_, failures, ok, err := q.DB.SelectBackoff(ctx, nil, "dest.test")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, failures)

	for i := 0; i < 20; i++ {
		q.recordFailure(ctx, "dest.test")
	}
	retryAt, failures, ok, err := q.DB.SelectBackoff(ctx, nil, "dest.test")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 21, failures)
	require.WithinDuration(t, time.Now().Add(backoffCap), retryAt, 5*time.Second, "backoff must saturate at the cap rather than overflow")
}

func mustMarshalEDU(t *testing.T, eduType, content string) []byte {
	t.Helper()
	body, err := json.Marshal(EDU{EDUType: eduType, Content: json.RawMessage(content)})
	require.NoError(t, err)
	return body
}
