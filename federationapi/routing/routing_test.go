package routing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/homeserver/roomserver/types"
)

func TestValidateTransactionLimitsWithinBounds(t *testing.T) {
	assert.NoError(t, ValidateTransactionLimits(0, 0))
	assert.NoError(t, ValidateTransactionLimits(50, 100))
	assert.NoError(t, ValidateTransactionLimits(1, 1))
}

func TestValidateTransactionLimitsRejectsOverage(t *testing.T) {
	err := ValidateTransactionLimits(51, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")

	err = ValidateTransactionLimits(0, 101)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

type fakeRoomserverAPI struct {
	handleInviteErr error
}

func (f *fakeRoomserverAPI) HandleInvite(ctx context.Context, event *types.HeaderedEvent) error {
	return f.handleInviteErr
}

func TestHandleInviteResultSuccess(t *testing.T) {
	event := &types.HeaderedEvent{RoomVersion: "10", JSON: []byte(`{"type":"m.room.member"}`)}
	rsAPI := &fakeRoomserverAPI{}

	got, resp := handleInviteResult(context.Background(), event, nil, rsAPI)
	assert.Same(t, event, got)
	assert.Nil(t, resp)
}

func TestHandleInviteResultPreExistingError(t *testing.T) {
	event := &types.HeaderedEvent{}
	rsAPI := &fakeRoomserverAPI{}

	got, resp := handleInviteResult(context.Background(), event, assert.AnError, rsAPI)
	assert.Nil(t, got)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestHandleInviteResultRoomserverError(t *testing.T) {
	event := &types.HeaderedEvent{}
	rsAPI := &fakeRoomserverAPI{handleInviteErr: assert.AnError}

	got, resp := handleInviteResult(context.Background(), event, nil, rsAPI)
	assert.Nil(t, got)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}
