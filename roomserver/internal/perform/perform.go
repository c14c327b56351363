// Package perform implements C8, the timeline: the side effects that run
// once a PDU has been accepted onto a room's timeline by the ingestion
// pipeline (append_pdu, §4.8), and the local client construction path that
// builds a brand new PDU before handing it to that same pipeline
// (build_and_append_pdu, §4.8). It also carries the remainder of C12 (room
// alias and public-directory bookkeeping) that the ingestion pipeline has
// no reason to know about.
//
// Grounded on the teacher's roomserver/internal/perform package (the same
// name, same role: a thin layer over Inputer that adds the effects
// ingestion itself doesn't run) and roomserver/internal/input for the
// local-event construction conventions it mirrors.
package perform

import (
	"context"

	"golang.org/x/crypto/ed25519"

	"github.com/nexuscore/homeserver/internal/caching"
	"github.com/nexuscore/homeserver/internal/eventbus"
	"github.com/nexuscore/homeserver/pushrules"
	"github.com/nexuscore/homeserver/roomserver/acls"
	"github.com/nexuscore/homeserver/roomserver/internal/input"
	"github.com/nexuscore/homeserver/roomserver/state"
	"github.com/nexuscore/homeserver/roomserver/storage"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// PushRuleSource resolves a local user's push-rule set. Implemented by the
// userapi account-data store.
type PushRuleSource interface {
	RuleSetFor(ctx context.Context, userID string) (pushrules.RuleSet, error)
}

// NotificationCounters tracks per-(room, user) unread notification and
// highlight counts (§4.8 steps 5-6); read back by the sync builder (C10).
// Implemented by syncapi/storage, injected here to avoid perform depending
// on syncapi.
type NotificationCounters interface {
	ResetCounts(ctx context.Context, roomID, userID string) error
	IncrementCounts(ctx context.Context, roomID, userID string, highlight bool) error
}

// FederationSender hands a PDU to the outbound per-destination queue
// (C9). Implemented by federationapi/queue.
type FederationSender interface {
	EnqueuePDU(ctx context.Context, destination string, pdu *types.HeaderedEvent) error
}

// AppServiceNotifier fans an accepted event out to any application
// service whose namespace declares interest in it. Out of scope for a
// full implementation (§1); Performer calls it if set, does nothing
// otherwise.
type AppServiceNotifier interface {
	NotifyAppServices(ctx context.Context, ev *types.HeaderedEvent) error
}

// LocalDevices resolves the local devices currently registered for a
// user, used to wake /sync long-pollers and to decide who to push-notify.
// Implemented by the userapi device store.
type LocalDevices interface {
	DevicesForUser(ctx context.Context, userID string) ([]string, error)
}

// AdminRoomChecker supplies the admin-room special casing from §4.8's
// closing paragraph.
type AdminRoomChecker interface {
	IsAdminRoom(roomID string) bool
	AdminUserID() string
}

// RoomUpdatePublisher fans a room append out to other processes over the
// event bus, so a sync API running separately from this roomserver can
// re-wake its own local watchers. Implemented by internal/eventbus.Bus.
type RoomUpdatePublisher interface {
	PublishRoomUpdate(update eventbus.RoomUpdate) error
}

// Performer wires the timeline side-effect chain and the local
// event-construction path over an already-running Inputer. Every field
// beyond Inputer/DB/Compressor/ACLs/Watchers/ServerName/KeyID/PrivateKey
// is an optional collaborator: Performer degrades gracefully (skips that
// step) when one is left nil, the same way the teacher's internal/api.go
// wiring tolerates an unconfigured pusher or app-service component.
type Performer struct {
	Inputer    *input.Inputer
	DB         storage.Database
	Compressor *state.Compressor
	ACLs       *acls.Cache
	Watchers   *caching.SyncWatchers
	Caches     *caching.Caches

	ServerName string
	KeyID      string
	PrivateKey ed25519.PrivateKey

	Notifications NotificationCounters
	PushRules     PushRuleSource
	Federation    FederationSender
	AppServices   AppServiceNotifier
	Devices       LocalDevices
	AdminRoom     AdminRoomChecker
	Bus           RoomUpdatePublisher
}

// NewPerformer builds a Performer over an already-constructed Inputer,
// sharing its storage handle, compressor and ACL cache rather than
// standing up a second copy of each.
func NewPerformer(in *input.Inputer, watchers *caching.SyncWatchers, caches *caching.Caches, serverName, keyID string, privateKey ed25519.PrivateKey) *Performer {
	return &Performer{
		Inputer:    in,
		DB:         in.DB,
		Compressor: in.Compressor,
		ACLs:       in.ACLs,
		Watchers:   watchers,
		Caches:     caches,
		ServerName: serverName,
		KeyID:      keyID,
		PrivateKey: privateKey,
	}
}
