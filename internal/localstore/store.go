// internal/localstore/store.go
//
// Local session storage for the client.
// This is what a browser keeps in sessionStorage/localStorage: small string
// values that must survive a reload (or a process restart) but are never sent
// to the backend as such.
//
// Implementations:
//   - SQLite (sqlite.go): durable, used by the CLI and the local web front end.
//   - Memory (memory.go): ephemeral, used in tests and with --state-db="".
//   - Sealed (sealed.go): wraps another Store and encrypts selected keys.

package localstore

import (
	"context"
	"errors"
	"fmt"
)

// Well-known keys.
const (
	KeyGuest       = "guestUser"    // "true" while in guest mode
	KeyGuestID     = "guestId"      // stable guest identity for this local session
	KeyInviteJoin  = "inviteJoin"   // "true" after accepting an invite, consumed by the room
	KeyAuthSession = "auth.session" // persisted auth provider session (JSON)
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("localstore: key not found")

// Store is a string key/value store.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores or replaces the value for key.
	Set(ctx context.Context, key, value string) error

	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// SeatKey is the key caching the local seat for a battle.
func SeatKey(battleID string) string { return fmt.Sprintf("battle-%s-player", battleID) }

// Flag reads a boolean flag stored as "true".
func Flag(ctx context.Context, s Store, key string) bool {
	v, err := s.Get(ctx, key)
	return err == nil && v == "true"
}

// SetFlag stores or clears a boolean flag.
func SetFlag(ctx context.Context, s Store, key string, on bool) error {
	if on {
		return s.Set(ctx, key, "true")
	}
	return s.Delete(ctx, key)
}
