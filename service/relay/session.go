package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"ChatRelay/logger"
	"ChatRelay/service/storage"
	"ChatRelay/tools/errs"
	"ChatRelay/tools/ids"
	"ChatRelay/tools/safe"
)

// Conn is the client side of a session: one long-lived bidirectional
// connection. The gateway wraps a websocket in this; tests use an in-memory
// pair.
type Conn interface {
	// ReadMessage blocks until the next text frame or a transport error.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// RateLimiter bounds events for a key over a window. *storage.Limiter
// satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, key string, ceiling int64, window time.Duration) (bool, error)
}

// State of a session. Transitions are Active -> Closing -> Closed, one way.
// There is no reconnecting state: a reconnect is a brand-new session.
type State int32

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

// Session is the per-connection state machine. All fields are owned by the
// session's own goroutine; nothing here is touched from outside, so no lock.
type Session struct {
	userID int64
	priv   string // this user's private channel, subscribed for the whole lifetime
	scope  string // rate-limit key for connection throughput

	conn    Conn
	bp      Backplane
	guard   Guard
	limiter RateLimiter

	channels map[string]struct{}
	state    State
}

// NewSession wires a session over an already-authenticated connection. bp
// must already be subscribed to the user's private channel; the dialer
// guarantees that.
func NewSession(userID int64, conn Conn, bp Backplane, guard Guard, limiter RateLimiter) *Session {
	priv := UserChannel(userID)
	return &Session{
		userID:   userID,
		priv:     priv,
		scope:    storage.ConnScopeKey(userID, ids.GenerateString()),
		conn:     conn,
		bp:       bp,
		guard:    guard,
		limiter:  limiter,
		channels: map[string]struct{}{priv: {}},
		state:    StateActive,
	}
}

// Subscribed reports whether the session currently holds the channel.
func (s *Session) Subscribed(channel string) bool {
	_, ok := s.channels[channel]
	return ok
}

func (s *Session) State() State { return s.state }

type backplaneEvent struct {
	channel string
	payload []byte
}

// Run drives the session to termination. It merges the two event sources --
// client frames and backplane deliveries -- through one select; whichever
// transport surfaces first wins, and Go's select keeps both sides from
// starving. Returns the error that ended the session, nil on a clean client
// close.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	safe.Go(func() {
		for {
			data, err := s.conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	})

	deliveries := make(chan backplaneEvent)
	bpErr := make(chan error, 1)
	safe.Go(func() {
		for {
			channel, payload, err := s.bp.Next(ctx)
			if err != nil {
				bpErr <- err
				return
			}
			select {
			case deliveries <- backplaneEvent{channel: channel, payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	})

	var cause error
	for s.state == StateActive {
		select {
		case data := <-frames:
			if err := s.handleFrame(ctx, data); err != nil {
				cause = err
				s.state = StateClosing
			}
		case ev := <-deliveries:
			if err := s.handleBackplane(ctx, ev); err != nil {
				cause = err
				s.state = StateClosing
			}
		case err := <-readErr:
			cause = err
			s.state = StateClosing
		case err := <-bpErr:
			cause = err
			s.state = StateClosing
		case <-ctx.Done():
			cause = ctx.Err()
			s.state = StateClosing
		}
	}

	s.shutdown()
	return cause
}

// shutdown releases both transports and lands the session in Closed.
func (s *Session) shutdown() {
	if err := s.bp.Close(); err != nil {
		logger.Warnf("session user=%d: backplane close: %v", s.userID, err)
	}
	_ = s.conn.Close()
	s.state = StateClosed
}

// handleFrame processes one client frame. A non-nil return is fatal to the
// session; rejected frames come back as error envelopes and return nil.
func (s *Session) handleFrame(ctx context.Context, data []byte) error {
	ok, err := s.limiter.Allow(ctx, s.scope, storage.ConnCeiling, storage.ConnWindow)
	if err != nil {
		// With the counter store gone the throughput invariant is
		// unverifiable; drop the session rather than relay unmetered.
		return err
	}
	if !ok {
		// Violation notice only; the frame is dropped and the loop lives on.
		return s.reply(RecRateLimit, "", map[string]any{
			"error": "rate limited",
			"code":  429,
		})
	}

	frame, err := DecodeClientFrame(data)
	if err != nil {
		return s.sendError(err)
	}

	switch frame.Record {
	case RecJoinedQueue:
		return s.handleJoin(ctx, frame)
	case RecLeftQueue:
		return s.handleLeave(ctx, frame)
	default:
		// Relayed g2c kinds carry no client intent.
		return nil
	}
}

func (s *Session) handleJoin(ctx context.Context, frame *ClientFrame) error {
	switch frame.Mount {
	case MountUser:
		// The private channel is subscribed at construction; this is an
		// acknowledgement, never a second subscribe.
		return s.reply(RecJoinedQueue, strconv.FormatInt(s.userID, 10), joinedPayload())

	case MountChat:
		roomID, err := strconv.ParseInt(frame.Queue, 10, 64)
		if err != nil {
			return s.sendError(errs.ErrInvalidQueue.WithDetail(frame.Queue))
		}
		channel := RoomChannel(roomID)
		if _, ok := s.channels[channel]; ok {
			return nil
		}
		if err := s.guard.AuthorizeJoin(ctx, s.userID, roomID); err != nil {
			return s.sendError(err)
		}
		if err := s.bp.Subscribe(ctx, channel); err != nil {
			// Backplane failure mid-session is terminal.
			return err
		}
		s.channels[channel] = struct{}{}
		return s.reply(RecJoinedQueue, frame.Queue, joinedPayload())
	}
	return s.sendError(errs.ErrMalformedFrame.WithDetail("unknown mount"))
}

func (s *Session) handleLeave(ctx context.Context, frame *ClientFrame) error {
	switch frame.Mount {
	case MountUser:
		// The private channel carries control traffic; it stays for the
		// whole session.
		return s.sendError(errs.ErrPrivateQueue)

	case MountChat:
		roomID, err := strconv.ParseInt(frame.Queue, 10, 64)
		if err != nil {
			return s.sendError(errs.ErrInvalidQueue.WithDetail(frame.Queue))
		}
		channel := RoomChannel(roomID)
		if _, ok := s.channels[channel]; !ok {
			return nil
		}
		if err := s.bp.Unsubscribe(ctx, channel); err != nil {
			logger.Warnf("session user=%d: unsubscribe %s: %v", s.userID, channel, err)
		}
		delete(s.channels, channel)
		return s.reply(RecLeftQueue, frame.Queue, leftPayload())
	}
	return s.sendError(errs.ErrMalformedFrame.WithDetail("unknown mount"))
}

// handleBackplane forwards one delivery to the client. Messages on the
// session's own private channel with a LeftQueue record are control signals:
// the CRUD layer evicted this user from the room named in queue (ban, kick),
// so drop that subscription before relaying the notice.
func (s *Session) handleBackplane(ctx context.Context, ev backplaneEvent) error {
	env, err := DecodeEnvelope(ev.payload)
	if err != nil {
		return s.sendError(err)
	}

	if ev.channel == s.priv && env.Record == RecLeftQueue {
		if _, ok := s.channels[env.Queue]; ok {
			if err := s.bp.Unsubscribe(ctx, env.Queue); err != nil {
				logger.Warnf("session user=%d: evict unsubscribe %s: %v", s.userID, env.Queue, err)
			}
			delete(s.channels, env.Queue)
		}
	}

	// Forward the original bytes untouched.
	return s.write(ev.payload)
}

// reply sends an envelope built here. Write failure is fatal.
func (s *Session) reply(rec Record, queue string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := (&Envelope{Record: rec, Queue: queue, Data: raw}).Encode()
	if err != nil {
		return err
	}
	return s.write(payload)
}

// sendError relays a rejected action as a Message-kind envelope with the
// coded error as payload, the single error shape clients handle.
func (s *Session) sendError(err error) error {
	ce := errs.AsCodeError(err, errs.ErrInternal)
	if ce.Code == errs.ErrInternal.Code {
		logger.Errorf("session user=%d: %v", s.userID, err)
	}
	return s.reply(RecMessage, "", map[string]any{
		"error": ce.Msg,
		"code":  ce.Code,
	})
}

func (s *Session) write(payload []byte) error {
	return s.conn.WriteMessage(payload)
}

func joinedPayload() map[string]any {
	return map[string]any{"data": "You joined the queue", "code": 200}
}

func leftPayload() map[string]any {
	return map[string]any{"data": "You left the queue", "code": 200}
}
