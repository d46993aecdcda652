package chat

import (
	"context"
	"encoding/json"

	"ChatRelay/service/relay"

	"github.com/pkg/errors"
)

// EventPublisher turns chat-side effects into backplane envelopes. It is the
// only writer the relay's subscribers see besides other relays.
type EventPublisher struct {
	pub relay.Publisher
}

func NewEventPublisher(pub relay.Publisher) *EventPublisher {
	return &EventPublisher{pub: pub}
}

func (p *EventPublisher) publish(ctx context.Context, channel string, rec relay.Record, queue string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "publish: marshal data")
	}
	payload, err := (&relay.Envelope{Record: rec, Queue: queue, Data: raw}).Encode()
	if err != nil {
		return errors.Wrap(err, "publish: encode envelope")
	}
	return p.pub.Publish(ctx, channel, payload)
}

// MessageCreated fans a persisted message out to the room. Subscribers fetch
// the body through the message-retrieval endpoint; the envelope only carries
// the id.
func (p *EventPublisher) MessageCreated(ctx context.Context, roomID, messageID int64) error {
	ch := relay.RoomChannel(roomID)
	return p.publish(ctx, ch, relay.RecMessage, ch, map[string]any{
		"message_id": messageID,
	})
}

// Evict removes a live session from a room's broadcast group and then tells
// the room. The control signal rides the user's private channel, so no
// second control path is needed. The room notice goes out only after the
// backplane has accepted the eviction signal; publish order is the causal
// chain, there is no timer in between.
func (p *EventPublisher) Evict(ctx context.Context, userID, roomID int64) error {
	room := relay.RoomChannel(roomID)
	if err := p.publish(ctx, relay.UserChannel(userID), relay.RecLeftQueue, room, map[string]any{}); err != nil {
		return errors.Wrap(err, "evict: private signal")
	}
	return p.publish(ctx, room, relay.RecParticipantLeft, room, map[string]any{
		"user_id": userID,
	})
}

// ParticipantJoined announces a new member to the room.
func (p *EventPublisher) ParticipantJoined(ctx context.Context, userID, roomID int64) error {
	room := relay.RoomChannel(roomID)
	return p.publish(ctx, room, relay.RecParticipantJoined, room, map[string]any{
		"user_id": userID,
	})
}
