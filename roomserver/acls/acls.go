// Package acls implements per-room server ACL evaluation (part of C12):
// "ACL evaluation: is_allowed(server) against a room's m.room.server_acl
// state event applies deny-first then allow; used by C7 on ingest and by
// C9 on egress."
package acls

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// ServerACL is one room's parsed m.room.server_acl content.
type ServerACL struct {
	AllowIPLiterals bool
	Allow           []string
	Deny            []string
}

// ParseServerACL reads a m.room.server_acl event's content. Absent
// allow/deny lists default per the Matrix spec: allow defaults to
// ["*"] (nothing denied beyond an explicit deny list), deny defaults
// to empty.
func ParseServerACL(content []byte) ServerACL {
	acl := ServerACL{AllowIPLiterals: true, Allow: []string{"*"}}
	if res := gjson.GetBytes(content, "allow_ip_literals"); res.Exists() {
		acl.AllowIPLiterals = res.Bool()
	}
	if res := gjson.GetBytes(content, "allow"); res.IsArray() {
		acl.Allow = acl.Allow[:0]
		for _, v := range res.Array() {
			acl.Allow = append(acl.Allow, v.String())
		}
	}
	if res := gjson.GetBytes(content, "deny"); res.IsArray() {
		for _, v := range res.Array() {
			acl.Deny = append(acl.Deny, v.String())
		}
	}
	return acl
}

// IsAllowed reports whether serverName passes this ACL: deny-first, then
// allow, both evaluated as glob patterns (`*`/`?`) per the Matrix spec.
func (acl ServerACL) IsAllowed(serverName string) bool {
	if !acl.AllowIPLiterals && looksLikeIPLiteral(serverName) {
		return false
	}
	for _, pattern := range acl.Deny {
		if globMatch(pattern, serverName) {
			return false
		}
	}
	for _, pattern := range acl.Allow {
		if globMatch(pattern, serverName) {
			return true
		}
	}
	return false
}

func looksLikeIPLiteral(serverName string) bool {
	host, _, found := strings.Cut(serverName, ":")
	if !found {
		host = serverName
	}
	if host == "" {
		return false
	}
	for _, r := range host {
		if r != '.' && (r < '0' || r > '9') {
			return false
		}
	}
	return strings.Contains(host, ".")
}

// globMatch matches serverName against a Matrix server-ACL glob pattern,
// where `*` matches any run of characters and `?` matches exactly one.
func globMatch(pattern, serverName string) bool {
	return globMatchRunes([]rune(strings.ToLower(pattern)), []rune(strings.ToLower(serverName)))
}

func globMatchRunes(pattern, s []rune) bool {
	if len(pattern) == 0 {
		return len(s) == 0
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(s); i++ {
			if globMatchRunes(pattern[1:], s[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatchRunes(pattern[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return globMatchRunes(pattern[1:], s[1:])
	}
}

// Cache memoizes parsed ACLs per room, since the ingestion pipeline
// re-checks the ACL on every inbound PDU from a given room.
type Cache struct {
	mu   sync.RWMutex
	acls map[string]ServerACL
}

// NewCache builds an empty ACL cache.
func NewCache() *Cache {
	return &Cache{acls: make(map[string]ServerACL)}
}

// Set stores the parsed ACL for a room, replacing any prior value whenever
// a new m.room.server_acl event is appended.
func (c *Cache) Set(roomID string, acl ServerACL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acls[roomID] = acl
}

// IsAllowed reports whether serverName may interact with roomID, per the
// room's cached ACL. Rooms with no ACL event allow everyone.
func (c *Cache) IsAllowed(roomID, serverName string) bool {
	c.mu.RLock()
	acl, ok := c.acls[roomID]
	c.mu.RUnlock()
	if !ok {
		return true
	}
	return acl.IsAllowed(serverName)
}
