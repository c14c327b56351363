package pushrules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexuscore/homeserver/pushrules"
)

func TestEvaluateMessageNotifies(t *testing.T) {
	ruleset := pushrules.DefaultRuleSet("@bob:test")
	ctx := pushrules.EventContext{
		RoomID: "!r:test", Sender: "@alice:test", EventType: "m.room.message",
		Content: []byte(`{"msgtype":"m.text","body":"hi there"}`),
		Recipient: "@bob:test", RoomMemberCount: 3,
	}
	res := pushrules.Evaluate(ruleset, ctx)
	assert.True(t, res.Matched)
	assert.Equal(t, ".m.rule.message", res.RuleID)
	assert.True(t, res.Notify)
	assert.False(t, res.Highlight)
}

func TestEvaluateNoticeSuppressed(t *testing.T) {
	ruleset := pushrules.DefaultRuleSet("@bob:test")
	ctx := pushrules.EventContext{
		EventType: "m.room.message",
		Content:   []byte(`{"msgtype":"m.notice","body":"automated"}`),
		Recipient: "@bob:test",
	}
	res := pushrules.Evaluate(ruleset, ctx)
	assert.True(t, res.Matched)
	assert.Equal(t, ".m.rule.suppress_notices", res.RuleID)
	assert.False(t, res.Notify)
}

func TestEvaluateInviteForMeHighlights(t *testing.T) {
	ruleset := pushrules.DefaultRuleSet("@bob:test")
	stateKey := "@bob:test"
	ctx := pushrules.EventContext{
		EventType: "m.room.member", StateKey: &stateKey,
		Content:   []byte(`{"membership":"invite"}`),
		Recipient: "@bob:test",
	}
	res := pushrules.Evaluate(ruleset, ctx)
	assert.True(t, res.Matched)
	assert.Equal(t, ".m.rule.invite_for_me", res.RuleID)
	assert.True(t, res.Notify)
	assert.True(t, res.Highlight)
}

func TestEvaluateContainsDisplayNameHighlights(t *testing.T) {
	ruleset := pushrules.DefaultRuleSet("@bob:test")
	ctx := pushrules.EventContext{
		EventType: "m.room.message",
		Content:   []byte(`{"msgtype":"m.text","body":"hey Bobby, look at this"}`),
		Recipient: "@bob:test", RecipientName: "Bobby",
	}
	res := pushrules.Evaluate(ruleset, ctx)
	assert.Equal(t, ".m.rule.contains_display_name", res.RuleID)
	assert.True(t, res.Highlight)
}

func TestEvaluateEncryptedOneToOneSetsSoundTweak(t *testing.T) {
	ruleset := pushrules.DefaultRuleSet("@bob:test")
	ctx := pushrules.EventContext{
		EventType: "m.room.encrypted", RoomMemberCount: 2,
		Content:   []byte(`{}`),
		Recipient: "@bob:test",
	}
	res := pushrules.Evaluate(ruleset, ctx)
	assert.Equal(t, ".m.rule.encrypted_room_one_to_one", res.RuleID)
	assert.Equal(t, "default", res.Sound)
}

func TestEvaluateNoRuleMatchesIsUnmatchedAndSilent(t *testing.T) {
	ruleset := pushrules.RuleSet{Rules: map[pushrules.Kind][]pushrules.Rule{}}
	res := pushrules.Evaluate(ruleset, pushrules.EventContext{EventType: "m.room.message"})
	assert.False(t, res.Matched)
	assert.False(t, res.Notify)
}

func TestEvaluateDisabledRuleIsSkipped(t *testing.T) {
	ruleset := pushrules.RuleSet{Rules: map[pushrules.Kind][]pushrules.Rule{
		pushrules.KindOverride: {
			{RuleID: "disabled", Enabled: false, Actions: []pushrules.Action{{Notify: true}}},
		},
		pushrules.KindUnderride: {
			{RuleID: "fallback", Enabled: true, Actions: []pushrules.Action{{Notify: true}}},
		},
	}}
	res := pushrules.Evaluate(ruleset, pushrules.EventContext{})
	assert.Equal(t, "fallback", res.RuleID)
}

func TestEventMatchConditionGlob(t *testing.T) {
	c := pushrules.EventMatchCondition{Key: "content.body", Pattern: "*@room*"}
	assert.True(t, c.Matches(pushrules.EventContext{Content: []byte(`{"body":"please @room check this"}`)}))
	assert.False(t, c.Matches(pushrules.EventContext{Content: []byte(`{"body":"no mention here"}`)}))
}

func TestRoomMemberCountConditionComparisons(t *testing.T) {
	tests := []struct {
		is    string
		count int
		want  bool
	}{
		{"2", 2, true},
		{"2", 3, false},
		{">2", 3, true},
		{">=2", 2, true},
		{"<=1", 2, false},
		{"<5", 4, true},
	}
	for _, tc := range tests {
		c := pushrules.RoomMemberCountCondition{Is: tc.is}
		got := c.Matches(pushrules.EventContext{RoomMemberCount: tc.count})
		assert.Equal(t, tc.want, got, "is=%q count=%d", tc.is, tc.count)
	}
}

func TestSenderNotificationPermissionCondition(t *testing.T) {
	c := pushrules.SenderNotificationPermissionCondition{Key: "room"}
	ctx := pushrules.EventContext{
		Sender:               "@alice:test",
		NotifyRoomPowerLevel: 50,
		PowerLevelOf:         func(userID string) int64 { return 50 },
	}
	assert.True(t, c.Matches(ctx))
	ctx.PowerLevelOf = func(userID string) int64 { return 0 }
	assert.False(t, c.Matches(ctx))
}

func TestParseMentionsUserAndRoom(t *testing.T) {
	m := pushrules.ParseMentions([]byte(`{"m.mentions":{"user_ids":["@bob:test","@carol:test"],"room":true}}`))
	assert.True(t, m.MentionsUser("@bob:test"))
	assert.False(t, m.MentionsUser("@dave:test"))
	assert.True(t, m.Room)
}

func TestParseMentionsAbsentYieldsZeroValue(t *testing.T) {
	m := pushrules.ParseMentions([]byte(`{}`))
	assert.Empty(t, m.UserIDs)
	assert.False(t, m.Room)
}
