package room

import (
	"context"
	"errors"
	"strconv"

	"github.com/crosswars/go-client/internal/localstore"
)

// ResolveSeat returns the local seat (1 or 2) for a battle. A seat cached for
// this battle wins; otherwise the invited player takes seat 2 and the inviter
// seat 1. The invite flag is consumed and the result cached, so reloads and
// the gameplay screen see the same seat.
func ResolveSeat(ctx context.Context, st localstore.Store, battleID string) (int, error) {
	key := localstore.SeatKey(battleID)
	v, err := st.Get(ctx, key)
	switch {
	case err == nil:
		if n, perr := strconv.Atoi(v); perr == nil && (n == 1 || n == 2) {
			return n, nil
		}
	case !errors.Is(err, localstore.ErrNotFound):
		return 0, err
	}

	seat := 1
	if localstore.Flag(ctx, st, localstore.KeyInviteJoin) {
		seat = 2
	}
	if err := st.Set(ctx, key, strconv.Itoa(seat)); err != nil {
		return 0, err
	}
	if err := st.Delete(ctx, localstore.KeyInviteJoin); err != nil {
		return 0, err
	}
	return seat, nil
}

// Other is the opponent's seat.
func Other(seat int) int {
	if seat == 1 {
		return 2
	}
	return 1
}
