package pushrules

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// EventContext is the slice of a PDU and its room state that push-rule
// conditions need. It is built once per (event, recipient) pair by the
// C8 timeline code before calling Evaluate.
type EventContext struct {
	RoomID          string
	Sender          string
	EventType       string
	StateKey        *string
	Content         []byte
	RoomMemberCount int
	Recipient       string // the user the rules are being evaluated for
	RecipientName   string // recipient's configured display name, for contains_display_name

	// IsUserMention and IsRoomMention carry the already-computed
	// m.mentions evaluation (SPEC_FULL C11: "intentional mentions take
	// priority over legacy body-text matching"), so conditions never
	// need to parse m.mentions themselves.
	IsUserMention bool
	IsRoomMention bool

	// PowerLevelOf resolves a user's power level in the room, used by
	// sender_notification_permission.
	PowerLevelOf func(userID string) int64
	// NotifyRoomPowerLevel is the power level required to trigger an
	// @room notification, from m.room.power_levels' notifications.room.
	NotifyRoomPowerLevel int64
}

// Condition is one push-rule condition (event_match, contains_display_name,
// room_member_count, sender_notification_permission, or the
// intentional-mention kinds added in SPEC_FULL.md §C11).
type Condition interface {
	Matches(ctx EventContext) bool
}

// EventMatchCondition implements "event_match": key is a dotted path
// relative to the event (e.g. "content.body", "type", "room_id"), pattern
// is a glob where "*" and "?" are wildcards, matched case-insensitively
// per the Matrix spec.
type EventMatchCondition struct {
	Key     string
	Pattern string
}

func (c EventMatchCondition) Matches(ctx EventContext) bool {
	return eventMatch(ctx, c.Key, c.Pattern)
}

func eventMatch(ctx EventContext, key, pattern string) bool {
	value := fieldValue(ctx, key)
	return globMatchCaseFold(pattern, value)
}

// fieldValue resolves a dotted event-relative path against the minimal
// event fields push rules need.
func fieldValue(ctx EventContext, key string) string {
	switch key {
	case "type":
		return ctx.EventType
	case "room_id":
		return ctx.RoomID
	case "sender", "content.sender":
		return ctx.Sender
	case "state_key":
		if ctx.StateKey == nil {
			return ""
		}
		return *ctx.StateKey
	default:
		if rest := strings.TrimPrefix(key, "content."); rest != key {
			return gjson.GetBytes(ctx.Content, rest).String()
		}
		return ""
	}
}

// ContainsDisplayNameCondition implements "contains_display_name": true
// if content.body contains the recipient's display name as a
// whole-word, case-insensitive substring.
type ContainsDisplayNameCondition struct{}

func (c ContainsDisplayNameCondition) Matches(ctx EventContext) bool {
	name := strings.TrimSpace(ctx.RecipientName)
	if name == "" {
		return false
	}
	body := gjson.GetBytes(ctx.Content, "body").String()
	return containsWord(body, name)
}

func containsWord(haystack, needle string) bool {
	haystack = strings.ToLower(haystack)
	needle = strings.ToLower(needle)
	idx := strings.Index(haystack, needle)
	if idx < 0 {
		return false
	}
	before := idx == 0 || !isWordRune(rune(haystack[idx-1]))
	after := idx+len(needle) >= len(haystack) || !isWordRune(rune(haystack[idx+len(needle)]))
	return before && after
}

func isWordRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// RoomMemberCountCondition implements "room_member_count": is, e.g.
// "2", ">2", "<10", "==5", ">=3", "<=3".
type RoomMemberCountCondition struct {
	Is string
}

func (c RoomMemberCountCondition) Matches(ctx EventContext) bool {
	op, n, ok := parseCountComparison(c.Is)
	if !ok {
		return false
	}
	switch op {
	case "<":
		return ctx.RoomMemberCount < n
	case ">":
		return ctx.RoomMemberCount > n
	case "<=":
		return ctx.RoomMemberCount <= n
	case ">=":
		return ctx.RoomMemberCount >= n
	default: // "==" or bare number
		return ctx.RoomMemberCount == n
	}
}

func parseCountComparison(is string) (op string, n int, ok bool) {
	is = strings.TrimSpace(is)
	for _, prefix := range []string{"<=", ">=", "==", "<", ">"} {
		if strings.HasPrefix(is, prefix) {
			v, err := strconv.Atoi(strings.TrimPrefix(is, prefix))
			if err != nil {
				return "", 0, false
			}
			return prefix, v, true
		}
	}
	v, err := strconv.Atoi(is)
	if err != nil {
		return "", 0, false
	}
	return "==", v, true
}

// SenderNotificationPermissionCondition implements
// "sender_notification_permission": true if the sender's power level
// meets the room's configured level for the named notification key
// (currently always "room", per the Matrix spec's only defined key).
type SenderNotificationPermissionCondition struct {
	Key string
}

func (c SenderNotificationPermissionCondition) Matches(ctx EventContext) bool {
	if c.Key != "room" || ctx.PowerLevelOf == nil {
		return false
	}
	return ctx.PowerLevelOf(ctx.Sender) >= ctx.NotifyRoomPowerLevel
}

// IsUserMentionCondition implements SPEC_FULL.md C11's
// "org.matrix.msc3952.is_user_mention" intentional-mentions condition:
// true if the event's m.mentions explicitly names the recipient.
type IsUserMentionCondition struct{}

func (c IsUserMentionCondition) Matches(ctx EventContext) bool { return ctx.IsUserMention }

// IsRoomMentionCondition implements the room-mention counterpart: true
// if the event's m.mentions sets room: true.
type IsRoomMentionCondition struct{}

func (c IsRoomMentionCondition) Matches(ctx EventContext) bool { return ctx.IsRoomMention }

func globMatchCaseFold(pattern, s string) bool {
	return globMatchRunesFold([]rune(strings.ToLower(pattern)), []rune(strings.ToLower(s)))
}

func globMatchRunesFold(pattern, s []rune) bool {
	if len(pattern) == 0 {
		return len(s) == 0
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if globMatchRunesFold(pattern[1:], s[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatchRunesFold(pattern[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return globMatchRunesFold(pattern[1:], s[1:])
	}
}
