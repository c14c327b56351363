package pushrules

import "github.com/tidwall/gjson"

// Mentions holds the result of parsing an event's m.mentions field
// (SPEC_FULL.md C11: intentional mentions take priority over legacy
// body-text matching for highlighting).
type Mentions struct {
	UserIDs []string
	Room    bool
}

// ParseMentions reads the m.mentions object out of an event's content,
// if present. A missing or malformed m.mentions yields a zero Mentions,
// which falls back to legacy contains_display_name / contains_user_name
// matching.
func ParseMentions(content []byte) Mentions {
	var m Mentions
	mentions := gjson.GetBytes(content, "m\\.mentions")
	if !mentions.Exists() {
		return m
	}
	if users := mentions.Get("user_ids"); users.IsArray() {
		for _, u := range users.Array() {
			m.UserIDs = append(m.UserIDs, u.String())
		}
	}
	m.Room = mentions.Get("room").Bool()
	return m
}

// MentionsUser reports whether m contains userID.
func (m Mentions) MentionsUser(userID string) bool {
	for _, u := range m.UserIDs {
		if u == userID {
			return true
		}
	}
	return false
}
