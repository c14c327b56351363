package perform

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// forbiddenAliasPattern blocks the handful of alias localparts every
// Dendrite deployment rejects by default (the config-driven
// forbidden_alias list is an ambient config concern out of scope per §1;
// this is the fixed subset the core itself always enforces).
var forbiddenAliasPattern = regexp.MustCompile(`(?i)^#(admin|root|matrix)[:-]`)

// SetAlias implements §4.12's set_alias: claims a local alias for a room,
// rejecting the forbidden-alias set and any alias already owned by
// another room. Aliases belonging to a different server are out of
// scope here — resolving those is a federation directory lookup, not a
// local mutation.
func (p *Performer) SetAlias(ctx context.Context, roomID, alias, creator string) error {
	if !strings.HasSuffix(alias, ":"+p.ServerName) {
		return fmt.Errorf("perform: alias %s is not local to %s", alias, p.ServerName)
	}
	if forbiddenAliasPattern.MatchString(alias) {
		return fmt.Errorf("perform: alias %s is forbidden", alias)
	}
	if existing, ok, err := p.DB.SelectRoomForAlias(ctx, nil, alias); err != nil {
		return err
	} else if ok && existing != roomID {
		return fmt.Errorf("perform: alias %s already points to %s", alias, existing)
	}
	return p.DB.InsertAlias(ctx, nil, alias, roomID, creator)
}

// RemoveAlias implements the inverse of SetAlias, used by the
// room-directory `DELETE` path and by room upgrades retargeting an alias
// at the successor room.
func (p *Performer) RemoveAlias(ctx context.Context, alias string) error {
	return p.DB.DeleteAlias(ctx, nil, alias)
}

// ResolveAlias implements §4.12's resolve_alias for a local alias. A
// non-local alias (a different server suffix) is the federation
// directory's concern, left to the caller: ResolveAlias only ever
// answers for aliases this server is authoritative for.
func (p *Performer) ResolveAlias(ctx context.Context, alias string) (roomID string, ok bool, err error) {
	if !strings.HasSuffix(alias, ":"+p.ServerName) {
		return "", false, nil
	}
	return p.DB.SelectRoomForAlias(ctx, nil, alias)
}

// AliasesForRoom lists every local alias currently pointing at roomID,
// backing the client-server `GET /rooms/{room_id}/aliases` endpoint.
func (p *Performer) AliasesForRoom(ctx context.Context, roomID string) ([]string, error) {
	return p.DB.SelectAliasesForRoom(ctx, nil, roomID)
}

// Publish implements §4.12's publish: toggles a room's visibility in the
// public-room directory.
func (p *Performer) Publish(ctx context.Context, roomID string, visible bool) error {
	return p.DB.SetPublished(ctx, nil, roomID, visible)
}

// PublicRooms lists every room currently published to the directory,
// backing `GET /publicRooms`.
func (p *Performer) PublicRooms(ctx context.Context) ([]string, error) {
	return p.DB.SelectPublishedRooms(ctx, nil)
}
