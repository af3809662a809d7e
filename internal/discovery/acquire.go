// Package discovery finds players in a room. A player claims the first free
// well-known slot identity; a listener probes every slot and collects the
// players that answer.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/jamsync/internal/room"
	"github.com/1ureka/jamsync/internal/transport"
	"github.com/1ureka/jamsync/internal/util"
)

var (
	ErrRoomFull       = errors.New("room is full")
	ErrNoPlayersFound = errors.New("no players found")
)

// Acquire claims slot identities of roomID in order 1..maxSlots and returns
// the first one granted. A slot counts as taken when the provider reports
// the identity in use or does not grant it within attemptTimeout. Any other
// provider failure aborts the search.
func Acquire(ctx context.Context, p transport.Provider, roomID string, maxSlots int, attemptTimeout time.Duration) (transport.Endpoint, int, error) {
	for k := 1; k <= maxSlots; k++ {
		id := room.SlotPeerID(roomID, k)

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		ep, err := p.CreateIdentity(attemptCtx, id)
		cancel()

		switch {
		case err == nil:
			util.LogDebug("[slot] claimed %s", id)
			return ep, k, nil
		case ctx.Err() != nil:
			return nil, 0, ctx.Err()
		case errors.Is(err, transport.ErrIdentityTaken):
			util.LogDebug("[slot] %s taken", id)
		case errors.Is(err, context.DeadlineExceeded):
			util.LogDebug("[slot] %s not granted within %v", id, attemptTimeout)
		default:
			return nil, 0, fmt.Errorf("claim %s: %w", id, err)
		}
	}
	return nil, 0, fmt.Errorf("%w: all %d slots of %s are taken", ErrRoomFull, maxSlots, roomID)
}
