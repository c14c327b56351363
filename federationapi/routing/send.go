package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
	"github.com/nexuscore/homeserver/internal/logging"
	"github.com/nexuscore/homeserver/roomserver/internal/input"
	"github.com/nexuscore/homeserver/roomserver/internal/perform"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// Matrix's server-server API caps a single transaction at 50 PDUs and 100
// EDUs (https://spec.matrix.org/v1.11/server-server-api/#transactions).
const (
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100
)

// ValidateTransactionLimits rejects a transaction whose PDU or EDU count
// exceeds the server-server API's per-transaction limits.
func ValidateTransactionLimits(pduCount, eduCount int) error {
	if pduCount > maxPDUsPerTransaction {
		return fmt.Errorf("transaction PDU count %d exceeds limit of %d", pduCount, maxPDUsPerTransaction)
	}
	if eduCount > maxEDUsPerTransaction {
		return fmt.Errorf("transaction EDU count %d exceeds limit of %d", eduCount, maxEDUsPerTransaction)
	}
	return nil
}

type incomingEDU struct {
	EDUType string          `json:"edu_type"`
	Content json.RawMessage `json:"content"`
}

type incomingTransaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []incomingEDU     `json:"edus"`
}

// RoomVersionLookup resolves the room version a PDU was authored under, so
// it can be wrapped as a types.HeaderedEvent before being handed to the
// ingestion pipeline.
type RoomVersionLookup func(ctx context.Context, roomID string) (eventcrypto.RoomVersion, error)

// TransactionHandler is the collaborator set Send and Invite need. Origin
// returns the already-verified sending server name; X-Matrix signature
// verification itself lives at the HTTP middleware layer and is out of
// scope here.
type TransactionHandler struct {
	Inputer     *input.Inputer
	Performer   *perform.Performer
	RoomVersion RoomVersionLookup
	RSAPI       FederationRoomserverAPI
	Origin      func(*http.Request) string
}

// Send is the PUT /send/{txnID} handler: it validates the transaction's
// size, wraps each PDU with its room version, and feeds it to the roomserver
// ingestion pipeline, returning a per-event result map the way the
// server-server API's transaction response shape requires.
func (t *TransactionHandler) Send(req *http.Request) util.JSONResponse {
	var txn incomingTransaction
	if err := json.NewDecoder(req.Body).Decode(&txn); err != nil {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: map[string]string{
			"errcode": "M_NOT_JSON",
			"error":   "invalid transaction body",
		}}
	}
	if err := ValidateTransactionLimits(len(txn.PDUs), len(txn.EDUs)); err != nil {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: map[string]string{
			"errcode": "M_BAD_JSON",
			"error":   err.Error(),
		}}
	}

	origin := t.Origin(req)
	logger := logging.Logger(req.Context()).WithFields(map[string]interface{}{
		"txn_id": txnIDFromRequest(req),
		"origin": origin,
	})
	logger.WithField("pdu_count", len(txn.PDUs)).Info("processing incoming transaction")

	pduResults := make(map[string]interface{}, len(txn.PDUs))
	for _, raw := range txn.PDUs {
		roomID := gjson.GetBytes(raw, "room_id").String()
		eventID := gjson.GetBytes(raw, "event_id").String()

		rv, err := t.RoomVersion(req.Context(), roomID)
		if err != nil {
			pduResults[eventID] = map[string]string{"error": err.Error()}
			continue
		}
		ev := &types.HeaderedEvent{RoomVersion: rv, JSON: raw}
		err = t.Inputer.ProcessRoomEvent(req.Context(), &input.InputRoomEvent{
			Event:  ev,
			Kind:   input.KindTimeline,
			Origin: origin,
		})
		if err != nil {
			pduResults[ev.EventID()] = map[string]string{"error": err.Error()}
			continue
		}
		if t.Performer != nil {
			if err := t.Performer.AppendPDU(req.Context(), ev); err != nil {
				logger.WithError(err).WithField("event_id", ev.EventID()).Warn("send: append_pdu side effects failed")
			}
		}
		pduResults[ev.EventID()] = map[string]string{}
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"pdus": pduResults}}
}

func txnIDFromRequest(req *http.Request) string {
	return mux.Vars(req)["txnID"]
}
