package postgres

import "github.com/nexuscore/homeserver/internal/eventcrypto"

// stringToRoomVersion wraps a stored version string back into the
// eventcrypto.RoomVersion type the rest of the codebase uses; kept as a
// one-line helper so every *_table.go file that reads a room_version
// column doesn't repeat the cast.
func stringToRoomVersion(v string) eventcrypto.RoomVersion {
	return eventcrypto.RoomVersion(v)
}
