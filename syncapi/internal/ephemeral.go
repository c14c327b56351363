package internal

import (
	"encoding/json"

	"github.com/tidwall/sjson"

	"github.com/nexuscore/homeserver/syncapi/storage/tables"
)

// typingContent builds the m.typing EDU content object, {"user_ids": [...]}.
func typingContent(userIDs []string) ([]byte, error) {
	return sjson.SetBytes([]byte("{}"), "user_ids", userIDs)
}

// receiptsContent aggregates a room's read receipts into the m.receipt EDU
// shape: one top-level key per event_id, nested by receipt type and user.
func receiptsContent(rows []tables.ReceiptRow) ([]byte, error) {
	byEvent := make(map[string]map[string]map[string]int64, len(rows))
	for _, r := range rows {
		byType, ok := byEvent[r.EventID]
		if !ok {
			byType = make(map[string]map[string]int64)
			byEvent[r.EventID] = byType
		}
		byUser, ok := byType[r.ReceiptType]
		if !ok {
			byUser = make(map[string]int64)
			byType[r.ReceiptType] = byUser
		}
		byUser[r.UserID] = r.TimestampMS
	}

	out := make(map[string]map[string]map[string]struct {
		TS int64 `json:"ts"`
	}, len(byEvent))
	for eventID, byType := range byEvent {
		rendered := make(map[string]map[string]struct {
			TS int64 `json:"ts"`
		}, len(byType))
		for receiptType, byUser := range byType {
			rendered[receiptType] = make(map[string]struct {
				TS int64 `json:"ts"`
			}, len(byUser))
			for userID, ts := range byUser {
				rendered[receiptType][userID] = struct {
					TS int64 `json:"ts"`
				}{TS: ts}
			}
		}
		out[eventID] = rendered
	}
	return json.Marshal(out)
}
