package acls_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexuscore/homeserver/roomserver/acls"
)

func TestParseServerACLDefaults(t *testing.T) {
	acl := acls.ParseServerACL([]byte(`{}`))
	assert.True(t, acl.AllowIPLiterals)
	assert.Equal(t, []string{"*"}, acl.Allow)
	assert.Empty(t, acl.Deny)
}

func TestParseServerACLExplicitLists(t *testing.T) {
	acl := acls.ParseServerACL([]byte(`{"allow_ip_literals":false,"allow":["*.good.example"],"deny":["evil.example","*.evil.example"]}`))
	assert.False(t, acl.AllowIPLiterals)
	assert.Equal(t, []string{"*.good.example"}, acl.Allow)
	assert.Equal(t, []string{"evil.example", "*.evil.example"}, acl.Deny)
}

func TestIsAllowedDenyTakesPrecedenceOverAllow(t *testing.T) {
	acl := acls.ServerACL{AllowIPLiterals: true, Allow: []string{"*"}, Deny: []string{"evil.example"}}
	assert.False(t, acl.IsAllowed("evil.example"))
	assert.True(t, acl.IsAllowed("good.example"))
}

func TestIsAllowedGlobMatching(t *testing.T) {
	acl := acls.ServerACL{AllowIPLiterals: true, Allow: []string{"*.good.example"}}
	assert.True(t, acl.IsAllowed("matrix.good.example"))
	assert.False(t, acl.IsAllowed("good.example"), "the pattern requires a subdomain, not an exact match")
	assert.False(t, acl.IsAllowed("other.example"))
}

func TestIsAllowedRejectsIPLiteralsWhenDisallowed(t *testing.T) {
	acl := acls.ServerACL{AllowIPLiterals: false, Allow: []string{"*"}}
	assert.False(t, acl.IsAllowed("1.2.3.4"))
	assert.False(t, acl.IsAllowed("1.2.3.4:8448"))
	assert.True(t, acl.IsAllowed("matrix.example.com"))
}

func TestIsAllowedAcceptsIPLiteralsWhenAllowed(t *testing.T) {
	acl := acls.ServerACL{AllowIPLiterals: true, Allow: []string{"*"}}
	assert.True(t, acl.IsAllowed("1.2.3.4"))
}

func TestCacheDefaultsToAllowWithNoACLSet(t *testing.T) {
	c := acls.NewCache()
	assert.True(t, c.IsAllowed("!room:test", "anyone.example"))
}

func TestCacheUsesMostRecentlySetACL(t *testing.T) {
	c := acls.NewCache()
	c.Set("!room:test", acls.ServerACL{Allow: []string{"*"}, Deny: []string{"evil.example"}})
	assert.False(t, c.IsAllowed("!room:test", "evil.example"))
	assert.True(t, c.IsAllowed("!room:test", "good.example"))

	c.Set("!room:test", acls.ServerACL{Allow: []string{"*"}})
	assert.True(t, c.IsAllowed("!room:test", "evil.example"), "a newer ACL event replaces the old one entirely")
}
