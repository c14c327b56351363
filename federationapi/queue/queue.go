// Package queue implements the federation sender (C9): a durable,
// per-destination queue that delivers PDUs, EDUs, and push notifications
// with retries, exponential backoff, and burst recovery on restart.
// Grounded on the teacher's federationapi/queue package: one worker
// goroutine per destination, woken by a channel rather than polled, each
// owning its own backoff state.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexuscore/homeserver/federationapi/storage"
	"github.com/nexuscore/homeserver/internal/logging"
	"github.com/nexuscore/homeserver/roomserver/acls"
	"github.com/nexuscore/homeserver/roomserver/types"
)

func init() {
	prometheus.MustRegister(transactionsSent)
}

// transactionsSent counts the transactions attemptDelivery sends, labelled
// by result ("ok" or "error"), mirroring the teacher's rate_limiting.go
// CounterVec shape (registered once in an init()).
var transactionsSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "homeserver",
		Subsystem: "federationapi",
		Name:      "transactions_sent_total",
		Help:      "Total number of federation transactions attempted, by result",
	},
	[]string{"result"},
)

const (
	// transactionPDULimit bounds how many PDUs (and, coalesced, EDUs)
	// ride in a single transaction envelope (§4.9).
	transactionPDULimit = 50

	// backoffBase/backoffCap implement §4.9's "exponential backoff (e.g.
	// base 2s, cap 60min) per destination".
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Minute

	// backedOffThreshold is the consecutive-failure count past which a
	// destination stops being retried eagerly and only gets picked back up
	// lazily (the next EnqueuePDU/EnqueueEDU/EnqueuePush call).
	backedOffThreshold = 5

	// startupNetburstKeep bounds how many pending entries per destination
	// survive process restart before the oldest are dropped, per §4.9's
	// "startup burst" rule.
	startupNetburstKeep = 50
)

// QueueManager owns one worker per destination with pending work. It is
// the concrete implementation of perform.FederationSender.
type QueueManager struct {
	DB     storage.Database
	Client Client
	ACLs   *acls.Cache

	ServerName string

	mu       sync.Mutex
	wake     map[string]chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewQueueManager wires a QueueManager over db and client.
func NewQueueManager(db storage.Database, client Client, serverName string) *QueueManager {
	return &QueueManager{
		DB:         db,
		Client:     client,
		ACLs:       acls.NewCache(),
		ServerName: serverName,
		wake:       make(map[string]chan struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start recovers every destination with pending work at process start,
// per §4.9's "on process start, queued entries are retried immediately
// unless the queue exceeds startup_netburst_keep, in which case the
// oldest entries are dropped."
func (q *QueueManager) Start(ctx context.Context) error {
	destinations, err := q.DB.SelectDestinationsWithPending(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: select destinations with pending: %w", err)
	}
	for _, dest := range destinations {
		dropped, err := q.DB.DeleteOldestPending(ctx, nil, dest, startupNetburstKeep)
		if err != nil {
			logging.Logger(ctx).WithError(err).WithField("destination", dest).Error("queue: burst trim failed")
			continue
		}
		if dropped > 0 {
			logging.Logger(ctx).WithFields(map[string]interface{}{
				"destination": dest, "dropped": dropped,
			}).Warn("queue: dropped oldest pending entries over startup burst limit")
		}
		q.ensureWorker(ctx, dest)
	}
	return nil
}

// Stop signals every worker to exit after its current attempt.
func (q *QueueManager) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

// EnqueuePDU implements perform.FederationSender: durably queues a PDU
// for destination and wakes (or starts) its worker.
func (q *QueueManager) EnqueuePDU(ctx context.Context, destination string, pdu *types.HeaderedEvent) error {
	if q.ACLs != nil && !q.ACLs.IsAllowed(pdu.RoomID(), destination) {
		return nil
	}
	jsonNID, err := q.DB.InsertJSON(ctx, nil, pdu.JSON)
	if err != nil {
		return fmt.Errorf("queue: insert pdu json: %w", err)
	}
	if err := q.DB.EnqueuePDU(ctx, nil, destination, jsonNID); err != nil {
		return fmt.Errorf("queue: enqueue pdu: %w", err)
	}
	q.ensureWorker(ctx, destination)
	q.wakeDestination(destination)
	return nil
}

// EnqueueEDU queues an ephemeral data unit, coalescing by coalesceKey
// when one is given (typing per room, receipts per room+user, §4.9).
func (q *QueueManager) EnqueueEDU(ctx context.Context, destination, eduType string, content json.RawMessage, coalesceKey string) error {
	body, err := json.Marshal(EDU{EDUType: eduType, Content: content})
	if err != nil {
		return fmt.Errorf("queue: marshal edu: %w", err)
	}
	jsonNID, err := q.DB.InsertJSON(ctx, nil, body)
	if err != nil {
		return fmt.Errorf("queue: insert edu json: %w", err)
	}
	if err := q.DB.EnqueueEDU(ctx, nil, destination, "edu."+eduType, jsonNID, coalesceKey); err != nil {
		return fmt.Errorf("queue: enqueue edu: %w", err)
	}
	q.ensureWorker(ctx, destination)
	q.wakeDestination(destination)
	return nil
}

// EnqueuePush queues an HTTP push-gateway delivery (§3's outbound queue
// "push" kind). Pushes are never coalesced: each is a distinct
// notification.
func (q *QueueManager) EnqueuePush(ctx context.Context, destination string, payload json.RawMessage) error {
	jsonNID, err := q.DB.InsertJSON(ctx, nil, payload)
	if err != nil {
		return fmt.Errorf("queue: insert push json: %w", err)
	}
	if err := q.DB.EnqueueEDU(ctx, nil, destination, "push", jsonNID, ""); err != nil {
		return fmt.Errorf("queue: enqueue push: %w", err)
	}
	q.ensureWorker(ctx, destination)
	q.wakeDestination(destination)
	return nil
}

func (q *QueueManager) ensureWorker(ctx context.Context, destination string) {
	q.mu.Lock()
	_, running := q.wake[destination]
	if !running {
		q.wake[destination] = make(chan struct{}, 1)
	}
	ch := q.wake[destination]
	q.mu.Unlock()
	if running {
		return
	}
	go q.runWorker(destination, ch)
}

func (q *QueueManager) wakeDestination(destination string) {
	q.mu.Lock()
	ch, ok := q.wake[destination]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// runWorker is the single in-order worker for one destination (§5: "per
// destination, a single in-order worker processes a queue"). It wakes on
// a new enqueue or a backoff expiry, and exits once no wake arrives within
// the idle window, either because nothing is left pending or because the
// destination has reached backedOffThreshold.
func (q *QueueManager) runWorker(destination string, wake chan struct{}) {
	const idleTimeout = 5 * time.Minute
	ctx := context.Background()
	for {
		retryAt, failures, ok, err := q.DB.SelectBackoff(ctx, nil, destination)
		if err == nil && ok && time.Now().Before(retryAt) {
			select {
			case <-wake:
			case <-time.After(time.Until(retryAt)):
			case <-q.stopCh:
				return
			}
			continue
		}

		sent, err := q.attemptDelivery(ctx, destination)
		if err != nil {
			q.recordFailure(ctx, destination)
			if failures+1 < backedOffThreshold {
				continue // the top of the loop waits out the new backoff, then retries
			}
		} else if sent {
			q.DB.ClearBackoff(ctx, nil, destination)
			continue // more might be pending; loop immediately
		}

		select {
		case <-wake:
		case <-time.After(idleTimeout):
			q.mu.Lock()
			delete(q.wake, destination)
			q.mu.Unlock()
			return
		case <-q.stopCh:
			return
		}
	}
}

// attemptDelivery sends one transaction's worth of pending work to
// destination. Returns sent=true if a transaction was actually attempted
// (whether or not it succeeded), so the caller can distinguish "nothing
// to do" from "tried and failed".
func (q *QueueManager) attemptDelivery(ctx context.Context, destination string) (sent bool, err error) {
	rows, err := q.DB.SelectPending(ctx, nil, destination, transactionPDULimit)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}

	txn := Transaction{
		TransactionID:  newTransactionID(),
		Origin:         q.ServerName,
		OriginServerTS: time.Now().UnixMilli(),
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		body, jerr := q.DB.SelectJSON(ctx, nil, r.JSONNID)
		if jerr != nil {
			continue
		}
		ids = append(ids, r.ID)
		if r.Kind == "pdu" {
			txn.PDUs = append(txn.PDUs, json.RawMessage(body))
			continue
		}
		if r.Kind == "push" {
			if perr := q.Client.SendPush(ctx, destination, json.RawMessage(body)); perr != nil {
				logging.Logger(ctx).WithError(perr).WithField("destination", destination).Warn("queue: push delivery failed")
			}
			continue
		}
		var edu EDU
		if uerr := json.Unmarshal(body, &edu); uerr == nil {
			txn.EDUs = append(txn.EDUs, edu)
		}
	}

	if err := q.DB.MarkInFlight(ctx, nil, ids); err != nil {
		return true, err
	}

	if len(txn.PDUs) == 0 && len(txn.EDUs) == 0 {
		// Only pushes were pending; those were already delivered above.
		_ = q.DB.DeleteAcknowledged(ctx, nil, ids)
		return true, nil
	}

	result, err := q.Client.SendTransaction(ctx, destination, txn)
	if err != nil {
		transactionsSent.With(prometheus.Labels{"result": "error"}).Inc()
		_ = q.DB.ResetToPending(ctx, nil, ids)
		return true, err
	}
	transactionsSent.With(prometheus.Labels{"result": "ok"}).Inc()

	_ = result
	if err := q.DB.DeleteAcknowledged(ctx, nil, ids); err != nil {
		return true, err
	}
	return true, nil
}

func (q *QueueManager) recordFailure(ctx context.Context, destination string) {
	_, failures, _, _ := q.DB.SelectBackoff(ctx, nil, destination)
	failures++
	delay := backoffBase << uint(failures-1)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	if failures >= backedOffThreshold {
		logging.Logger(ctx).WithFields(map[string]interface{}{
			"destination": destination, "failures": failures,
		}).Warn("queue: destination entering backed-off state")
	}
	if err := q.DB.UpsertBackoff(ctx, nil, destination, time.Now().Add(delay), failures); err != nil {
		logging.Logger(ctx).WithError(err).WithField("destination", destination).Error("queue: record backoff failed")
	}
}

var txnCounter struct {
	sync.Mutex
	n int64
}

// newTransactionID mints a server-assigned monotonic transaction id
// (§4.9: "transaction ids are server-assigned monotonic"). Scoped to
// process lifetime; durable uniqueness across restarts is not required
// since duplicate txn_ids are idempotent on the receiving side per the
// Matrix spec, which every correct peer must already implement.
func newTransactionID() string {
	txnCounter.Lock()
	txnCounter.n++
	id := txnCounter.n
	txnCounter.Unlock()
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), id)
}
