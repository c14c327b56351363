package perform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nexuscore/homeserver/internal/eventcrypto"
	"github.com/nexuscore/homeserver/roomserver/internal/input"
	"github.com/nexuscore/homeserver/roomserver/types"
)

// Preset mirrors the client-server API's room_creation presets, which
// decide the default join_rules and history_visibility a CreateRoom call
// seeds the new room with.
type Preset string

const (
	PresetPrivateChat        Preset = "private_chat"
	PresetTrustedPrivateChat Preset = "trusted_private_chat"
	PresetPublicChat         Preset = "public_chat"
)

// CreateRoomRequest is the input to CreateRoom: the local room-creation
// operation named by SPEC_FULL.md's C8 package mapping.
type CreateRoomRequest struct {
	Creator     string
	RoomVersion eventcrypto.RoomVersion
	Preset      Preset
	Name        string
	Topic       string
	Alias       string // local part only, e.g. "general"; empty for no alias
	Invite      []string
}

// CreateRoom builds a brand new room: the create event (which the
// ingestion pipeline treats specially, minting the room row on first
// sight of it), the creator's own join, default power levels, join rules
// and history visibility, and optionally a name, a topic and a local alias
// (recorded through SetAlias; no m.room.canonical_alias event is sent and
// the room is not published to the directory).
func (p *Performer) CreateRoom(ctx context.Context, req CreateRoomRequest) (roomID string, err error) {
	version := req.RoomVersion
	if version == "" {
		version = eventcrypto.RoomVersionV10
	}
	if !version.Known() {
		return "", eventcrypto.ErrUnknownRoomVersion{Version: version}
	}

	roomID = fmt.Sprintf("!%s:%s", uuid.NewString(), p.ServerName)

	createContent := map[string]interface{}{"room_version": string(version)}
	// Room versions before 11 carry the creator explicitly in content;
	// v11+ relies on the create event's sender instead (§4.1 additions).
	if inContent, _ := version.RedactsInContent(); !inContent {
		createContent["creator"] = req.Creator
	}
	contentJSON, err := json.Marshal(createContent)
	if err != nil {
		return "", err
	}

	emptyKey := ""
	createRaw, err := marshalBuilderEvent(EventBuilder{
		RoomID: roomID, Sender: req.Creator, EventType: "m.room.create", StateKey: &emptyKey, Content: contentJSON,
	}, nil, nil, 1, contentJSON, nil)
	if err != nil {
		return "", err
	}
	createSigned, err := p.signAndHash(createRaw, version)
	if err != nil {
		return "", err
	}
	createEvent := &types.HeaderedEvent{RoomVersion: version, JSON: createSigned}
	if err := p.Inputer.ProcessRoomEvent(ctx, &input.InputRoomEvent{Event: createEvent, Kind: input.KindTimeline}); err != nil {
		return "", fmt.Errorf("perform: create room: %w", err)
	}
	if err := p.AppendPDU(ctx, createEvent); err != nil {
		return "", err
	}

	joinContent, _ := json.Marshal(map[string]string{"membership": "join"})
	if _, err := p.BuildAndAppendPDU(ctx, EventBuilder{
		RoomID: roomID, Sender: req.Creator, EventType: "m.room.member", StateKey: &req.Creator, Content: joinContent,
	}); err != nil {
		return "", fmt.Errorf("perform: creator join: %w", err)
	}

	powerLevelsContent, _ := json.Marshal(map[string]interface{}{
		"users":          map[string]int64{req.Creator: 100},
		"users_default":  0,
		"events_default": 0,
		"state_default":  50,
		"ban":            50,
		"kick":           50,
		"redact":         50,
		"invite":         0,
	})
	if _, err := p.BuildAndAppendPDU(ctx, EventBuilder{
		RoomID: roomID, Sender: req.Creator, EventType: "m.room.power_levels", StateKey: &emptyKey, Content: powerLevelsContent,
	}); err != nil {
		return "", fmt.Errorf("perform: power levels: %w", err)
	}

	joinRule := "invite"
	historyVis := "shared"
	if req.Preset == PresetPublicChat {
		joinRule = "public"
		historyVis = "shared"
	}
	joinRulesContent, _ := json.Marshal(map[string]string{"join_rule": joinRule})
	if _, err := p.BuildAndAppendPDU(ctx, EventBuilder{
		RoomID: roomID, Sender: req.Creator, EventType: "m.room.join_rules", StateKey: &emptyKey, Content: joinRulesContent,
	}); err != nil {
		return "", fmt.Errorf("perform: join rules: %w", err)
	}
	historyContent, _ := json.Marshal(map[string]string{"history_visibility": historyVis})
	if _, err := p.BuildAndAppendPDU(ctx, EventBuilder{
		RoomID: roomID, Sender: req.Creator, EventType: "m.room.history_visibility", StateKey: &emptyKey, Content: historyContent,
	}); err != nil {
		return "", fmt.Errorf("perform: history visibility: %w", err)
	}

	if req.Name != "" {
		nameContent, _ := json.Marshal(map[string]string{"name": req.Name})
		if _, err := p.BuildAndAppendPDU(ctx, EventBuilder{
			RoomID: roomID, Sender: req.Creator, EventType: "m.room.name", StateKey: &emptyKey, Content: nameContent,
		}); err != nil {
			return "", fmt.Errorf("perform: name: %w", err)
		}
	}
	if req.Topic != "" {
		topicContent, _ := json.Marshal(map[string]string{"topic": req.Topic})
		if _, err := p.BuildAndAppendPDU(ctx, EventBuilder{
			RoomID: roomID, Sender: req.Creator, EventType: "m.room.topic", StateKey: &emptyKey, Content: topicContent,
		}); err != nil {
			return "", fmt.Errorf("perform: topic: %w", err)
		}
	}
	if req.Alias != "" {
		alias := fmt.Sprintf("#%s:%s", req.Alias, p.ServerName)
		if err := p.SetAlias(ctx, roomID, alias, req.Creator); err != nil {
			return "", fmt.Errorf("perform: alias: %w", err)
		}
	}

	for _, invitee := range req.Invite {
		inviteContent, _ := json.Marshal(map[string]string{"membership": "invite"})
		if _, err := p.BuildAndAppendPDU(ctx, EventBuilder{
			RoomID: roomID, Sender: req.Creator, EventType: "m.room.member", StateKey: &invitee, Content: inviteContent,
		}); err != nil {
			return "", fmt.Errorf("perform: invite %s: %w", invitee, err)
		}
	}

	return roomID, nil
}
