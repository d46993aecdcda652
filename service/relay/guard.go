package relay

import (
	"context"

	"ChatRelay/tools/errs"

	"github.com/pkg/errors"
)

// Membership is the slice of the membership store the relay needs to
// authorize a room subscription.
type Membership interface {
	RoomExists(ctx context.Context, roomID int64) (bool, error)
	IsBanned(ctx context.Context, userID, roomID int64) (bool, error)
	IsParticipant(ctx context.Context, userID, roomID int64) (bool, error)
}

// Guard authorizes JoinQueue(chat) requests.
type Guard interface {
	AuthorizeJoin(ctx context.Context, userID, roomID int64) error
}

// MemberGuard checks, in order: the room exists, the user is not banned, the
// user is a participant. Subscribing never creates membership; that is the
// join-chat HTTP endpoint's job. The relay only authorizes listening.
type MemberGuard struct {
	store Membership
}

func NewMemberGuard(store Membership) *MemberGuard {
	return &MemberGuard{store: store}
}

func (g *MemberGuard) AuthorizeJoin(ctx context.Context, userID, roomID int64) error {
	exists, err := g.store.RoomExists(ctx, roomID)
	if err != nil {
		return errors.Wrap(err, "guard: room lookup")
	}
	if !exists {
		return errs.ErrUnknownRoom
	}

	banned, err := g.store.IsBanned(ctx, userID, roomID)
	if err != nil {
		return errors.Wrap(err, "guard: ban lookup")
	}
	if banned {
		return errs.ErrBannedFromRoom
	}

	participant, err := g.store.IsParticipant(ctx, userID, roomID)
	if err != nil {
		return errors.Wrap(err, "guard: participant lookup")
	}
	if !participant {
		return errs.ErrNotParticipant
	}
	return nil
}
