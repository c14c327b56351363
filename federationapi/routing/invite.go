package routing

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/matrix-org/util"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// FederationRoomserverAPI is the minimal roomserver surface the invite
// handler depends on.
type FederationRoomserverAPI interface {
	HandleInvite(ctx context.Context, event *types.HeaderedEvent) error
}

// Invite is the PUT /invite/{roomID}/{eventID} handler: it parses the
// invite event body and hands it to the roomserver so the invited user's
// membership can be recorded even though the room itself may be unknown
// locally.
func (t *TransactionHandler) Invite(req *http.Request) util.JSONResponse {
	var body struct {
		Event       json.RawMessage        `json:"event"`
		RoomVersion eventcrypto.RoomVersion `json:"room_version"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: map[string]string{
			"errcode": "M_NOT_JSON",
			"error":   "invalid invite body",
		}}
	}

	event := &types.HeaderedEvent{RoomVersion: body.RoomVersion, JSON: body.Event}
	if _, resp := handleInviteResult(req.Context(), event, nil, t.RSAPI); resp != nil {
		return *resp
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"event": string(body.Event)}}
}

// handleInviteResult turns a pre-existing error (e.g. from parsing or
// fetching the invite event) or the outcome of handing it to the
// roomserver into a JSONResponse. A nil response means the caller should
// continue building its own success response.
func handleInviteResult(ctx context.Context, event *types.HeaderedEvent, err error, rsAPI FederationRoomserverAPI) (*types.HeaderedEvent, *util.JSONResponse) {
	if err != nil {
		return nil, &util.JSONResponse{Code: http.StatusInternalServerError, JSON: map[string]string{
			"errcode": "M_UNKNOWN",
			"error":   err.Error(),
		}}
	}
	if hErr := rsAPI.HandleInvite(ctx, event); hErr != nil {
		return nil, &util.JSONResponse{Code: http.StatusInternalServerError, JSON: map[string]string{
			"errcode": "M_UNKNOWN",
			"error":   hErr.Error(),
		}}
	}
	return event, nil
}
