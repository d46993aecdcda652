package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// MembershipStore answers room membership questions and persists the rows
// the CRUD API and the send path write. Tables: rooms, users_rooms,
// banned_users_room, messages.
type MembershipStore struct {
	pool *pgxpool.Pool
}

func NewMembershipStore(pool *pgxpool.Pool) *MembershipStore {
	return &MembershipStore{pool: pool}
}

func (s *MembershipStore) RoomExists(ctx context.Context, roomID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "membership: room exists")
	}
	return exists, nil
}

func (s *MembershipStore) IsOwner(ctx context.Context, userID, roomID int64) (bool, error) {
	var owner bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM rooms WHERE id = $1 AND owner_id = $2)`,
		roomID, userID).Scan(&owner)
	if err != nil {
		return false, errors.Wrap(err, "membership: owner check")
	}
	return owner, nil
}

func (s *MembershipStore) IsBanned(ctx context.Context, userID, roomID int64) (bool, error) {
	var banned bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM banned_users_room WHERE user_id = $1 AND room_id = $2)`,
		userID, roomID).Scan(&banned)
	if err != nil {
		return false, errors.Wrap(err, "membership: ban check")
	}
	return banned, nil
}

func (s *MembershipStore) IsParticipant(ctx context.Context, userID, roomID int64) (bool, error) {
	var participant bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users_rooms WHERE user_id = $1 AND room_id = $2)`,
		userID, roomID).Scan(&participant)
	if err != nil {
		return false, errors.Wrap(err, "membership: participant check")
	}
	return participant, nil
}

// IsMuted reports the muted flag on the participant row. A user with no row
// is simply not muted; participation is checked separately.
func (s *MembershipStore) IsMuted(ctx context.Context, userID, roomID int64) (bool, error) {
	var muted bool
	err := s.pool.QueryRow(ctx,
		`SELECT muted FROM users_rooms WHERE user_id = $1 AND room_id = $2`,
		userID, roomID).Scan(&muted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "membership: muted check")
	}
	return muted, nil
}

// RoomOccupancy returns the current participant count and the room capacity.
func (s *MembershipStore) RoomOccupancy(ctx context.Context, roomID int64) (size, capacity int64, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT r.capacity, COUNT(ur.user_id)
		   FROM rooms r
		   LEFT JOIN users_rooms ur ON ur.room_id = r.id
		  WHERE r.id = $1
		  GROUP BY r.capacity`, roomID).Scan(&capacity, &size)
	if err != nil {
		return 0, 0, errors.Wrap(err, "membership: occupancy")
	}
	return size, capacity, nil
}

func (s *MembershipStore) InsertMessage(ctx context.Context, userID, roomID int64, text string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (message, user_id, room_id) VALUES ($1, $2, $3) RETURNING id`,
		text, userID, roomID).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "membership: insert message")
	}
	return id, nil
}

func (s *MembershipStore) AddParticipant(ctx context.Context, userID, roomID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users_rooms (user_id, room_id) VALUES ($1, $2)`, userID, roomID)
	return errors.Wrap(err, "membership: add participant")
}

func (s *MembershipStore) RemoveParticipant(ctx context.Context, userID, roomID int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM users_rooms WHERE user_id = $1 AND room_id = $2`, userID, roomID)
	return errors.Wrap(err, "membership: remove participant")
}

func (s *MembershipStore) InsertBan(ctx context.Context, userID, roomID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO banned_users_room (user_id, room_id) VALUES ($1, $2)`, userID, roomID)
	return errors.Wrap(err, "membership: insert ban")
}
