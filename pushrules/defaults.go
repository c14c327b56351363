package pushrules

// DefaultRuleSet returns the server-default push rules every new account
// starts with, per the Matrix spec's push rule appendix. userID is
// substituted into the rules that reference the recipient directly
// (.m.rule.contains_user_name is a content rule whose pattern is the
// recipient's localpart; like every content-rule pattern it is
// glob-matched against the whole of content.body, not searched for as a
// word inside it).
func DefaultRuleSet(userID string) RuleSet {
	notify := []Action{{Notify: true}}
	notifyHighlight := []Action{{Notify: true}, {Tweak: &Tweak{SetTweak: "highlight"}}}
	dontNotify := []Action{{Notify: false}}

	return RuleSet{Rules: map[Kind][]Rule{
		KindOverride: {
			{RuleID: ".m.rule.master", Enabled: false, Default: true, Actions: dontNotify},
			{
				RuleID:  ".m.rule.suppress_notices",
				Enabled: true, Default: true,
				Conditions: []Condition{EventMatchCondition{Key: "content.msgtype", Pattern: "m.notice"}},
				Actions:    dontNotify,
			},
			{
				RuleID:  ".m.rule.invite_for_me",
				Enabled: true, Default: true,
				Conditions: []Condition{
					EventMatchCondition{Key: "type", Pattern: "m.room.member"},
					EventMatchCondition{Key: "content.membership", Pattern: "invite"},
					stateKeyEquals{userID},
				},
				Actions: notifyHighlight,
			},
			{
				RuleID:  ".m.rule.contains_display_name",
				Enabled: true, Default: true,
				Conditions: []Condition{ContainsDisplayNameCondition{}},
				Actions:    notifyHighlight,
			},
			{
				RuleID:  ".m.rule.is_user_mention",
				Enabled: true, Default: true,
				Conditions: []Condition{IsUserMentionCondition{}},
				Actions:    notifyHighlight,
			},
			{
				RuleID:  ".m.rule.is_room_mention",
				Enabled: true, Default: true,
				Conditions: []Condition{
					IsRoomMentionCondition{},
					SenderNotificationPermissionCondition{Key: "room"},
				},
				Actions: notifyHighlight,
			},
			{
				RuleID:  ".m.rule.roomnotif",
				Enabled: true, Default: true,
				Conditions: []Condition{
					EventMatchCondition{Key: "content.body", Pattern: "@room"},
					SenderNotificationPermissionCondition{Key: "room"},
				},
				Actions: notifyHighlight,
			},
			{
				RuleID:  ".m.rule.tombstone",
				Enabled: true, Default: true,
				Conditions: []Condition{
					EventMatchCondition{Key: "type", Pattern: "m.room.tombstone"},
					stateKeyEquals{""},
				},
				Actions: notifyHighlight,
			},
		},
		KindContent: {
			{
				RuleID:  ".m.rule.contains_user_name",
				Enabled: true, Default: true,
				Pattern: localpartOf(userID),
				Actions: notifyHighlight,
			},
		},
		KindRoom:   {},
		KindSender: {},
		KindUnderride: {
			{
				RuleID:  ".m.rule.call",
				Enabled: true, Default: true,
				Conditions: []Condition{EventMatchCondition{Key: "type", Pattern: "m.call.invite"}},
				Actions:    []Action{{Notify: true}, {Tweak: &Tweak{SetTweak: "sound", Value: "ring"}}},
			},
			{
				RuleID:  ".m.rule.encrypted_room_one_to_one",
				Enabled: true, Default: true,
				Conditions: []Condition{roomMemberCountEquals{2}, EventMatchCondition{Key: "type", Pattern: "m.room.encrypted"}},
				Actions:    []Action{{Notify: true}, {Tweak: &Tweak{SetTweak: "sound", Value: "default"}}},
			},
			{
				RuleID:  ".m.rule.room_one_to_one",
				Enabled: true, Default: true,
				Conditions: []Condition{roomMemberCountEquals{2}, EventMatchCondition{Key: "type", Pattern: "m.room.message"}},
				Actions:    []Action{{Notify: true}, {Tweak: &Tweak{SetTweak: "sound", Value: "default"}}},
			},
			{
				RuleID:  ".m.rule.message",
				Enabled: true, Default: true,
				Conditions: []Condition{EventMatchCondition{Key: "type", Pattern: "m.room.message"}},
				Actions:    notify,
			},
			{
				RuleID:  ".m.rule.encrypted",
				Enabled: true, Default: true,
				Conditions: []Condition{EventMatchCondition{Key: "type", Pattern: "m.room.encrypted"}},
				Actions:    notify,
			},
		},
	}}
}

// stateKeyEquals matches an event's state_key field. An empty want
// matches only an event with an empty (not absent) state_key, e.g.
// m.room.tombstone.
type stateKeyEquals struct{ want string }

func (c stateKeyEquals) Matches(ctx EventContext) bool {
	if ctx.StateKey == nil {
		return false
	}
	return *ctx.StateKey == c.want
}

type roomMemberCountEquals struct{ n int }

func (c roomMemberCountEquals) Matches(ctx EventContext) bool { return ctx.RoomMemberCount == c.n }

func localpartOf(userID string) string {
	for i := 1; i < len(userID); i++ {
		if userID[i] == ':' {
			return userID[1:i]
		}
	}
	return userID
}
