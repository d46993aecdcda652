package relay

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"ChatRelay/tools/errs"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----

// fakeConn is an in-memory Conn. Frames are pushed through in; everything
// the session writes lands on out.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	log       *eventLog
	closeOnce sync.Once
}

func newFakeConn(log *eventLog) *fakeConn {
	return &fakeConn{
		in:  make(chan []byte, 16),
		out: make(chan []byte, 16),
		log: log,
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.in
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.log.add("write")
	c.out <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.in) })
	return nil
}

func (c *fakeConn) push(frame string) { c.in <- []byte(frame) }

func (c *fakeConn) waitEnvelope(t *testing.T) *Envelope {
	t.Helper()
	select {
	case data := <-c.out:
		env, err := DecodeEnvelope(data)
		require.NoError(t, err)
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return nil
	}
}

func (c *fakeConn) waitRaw(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-c.out:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a write")
		return nil
	}
}

// fakeBackplane records subscribe/unsubscribe traffic and serves deliveries.
type fakeBackplane struct {
	mu     sync.Mutex
	subs   []string
	unsubs []string

	deliveries chan backplaneEvent
	log        *eventLog
	closeOnce  sync.Once
	closed     chan struct{}
}

func newFakeBackplane(log *eventLog) *fakeBackplane {
	return &fakeBackplane{
		deliveries: make(chan backplaneEvent, 16),
		log:        log,
		closed:     make(chan struct{}),
	}
}

func (b *fakeBackplane) Subscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, channel)
	b.log.add("subscribe " + channel)
	return nil
}

func (b *fakeBackplane) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs = append(b.unsubs, channel)
	b.log.add("unsubscribe " + channel)
	return nil
}

func (b *fakeBackplane) Next(ctx context.Context) (string, []byte, error) {
	select {
	case ev := <-b.deliveries:
		return ev.channel, ev.payload, nil
	case <-b.closed:
		return "", nil, errors.New("backplane closed")
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (b *fakeBackplane) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func (b *fakeBackplane) deliver(channel, payload string) {
	b.deliveries <- backplaneEvent{channel: channel, payload: []byte(payload)}
}

func (b *fakeBackplane) subscribes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subs...)
}

func (b *fakeBackplane) unsubscribes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.unsubs...)
}

// fakeGuard authorizes everything except the rooms given a specific error.
type fakeGuard struct {
	denied map[int64]error
}

func (g *fakeGuard) AuthorizeJoin(_ context.Context, _, roomID int64) error {
	if err, ok := g.denied[roomID]; ok {
		return err
	}
	return nil
}

// fakeLimiter allows by default; reject or fail per test.
type fakeLimiter struct {
	mu      sync.Mutex
	rejects int
	err     error
	calls   int
}

func (l *fakeLimiter) Allow(context.Context, string, int64, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return false, l.err
	}
	if l.rejects > 0 {
		l.rejects--
		return false, nil
	}
	return true, nil
}

// eventLog is a cross-fake ordered trace, for ordering assertions.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(ev string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// ---- harness ----

type sessionHarness struct {
	sess *Session
	conn *fakeConn
	bp   *fakeBackplane
	log  *eventLog
	done chan error
}

func startSession(t *testing.T, guard Guard, limiter RateLimiter) *sessionHarness {
	t.Helper()
	log := &eventLog{}
	conn := newFakeConn(log)
	bp := newFakeBackplane(log)
	if guard == nil {
		guard = &fakeGuard{}
	}
	if limiter == nil {
		limiter = &fakeLimiter{}
	}
	sess := NewSession(7, conn, bp, guard, limiter)

	h := &sessionHarness{sess: sess, conn: conn, bp: bp, log: log, done: make(chan error, 1)}
	go func() { h.done <- sess.Run(context.Background()) }()
	return h
}

func (h *sessionHarness) stop(t *testing.T) error {
	t.Helper()
	_ = h.conn.Close()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
		return nil
	}
}

// join subscribes room 42 and consumes the ack.
func (h *sessionHarness) join(t *testing.T, room string) {
	t.Helper()
	h.conn.push(`{"record":"msg_c2g_subscribe_queue","mount":"chat","queue":"` + room + `"}`)
	env := h.conn.waitEnvelope(t)
	require.Equal(t, RecJoinedQueue, env.Record)
	require.Equal(t, room, env.Queue)
}

// sync pushes a user-mount join, which always acks, and waits for the ack.
// Used as a barrier after frames that produce no output.
func (h *sessionHarness) sync(t *testing.T) {
	t.Helper()
	h.conn.push(`{"record":"msg_c2g_subscribe_queue","mount":"user","queue":""}`)
	env := h.conn.waitEnvelope(t)
	require.Equal(t, RecJoinedQueue, env.Record)
}

// ---- tests ----

func Test_Session_PrivateChannelHeldFromStart(t *testing.T) {
	h := startSession(t, nil, nil)
	defer h.stop(t)

	assert.True(t, h.sess.Subscribed("priv_user:7"))
}

func Test_Session_JoinChat_SubscribesAndAcks(t *testing.T) {
	h := startSession(t, nil, nil)

	h.conn.push(`{"record":"msg_c2g_subscribe_queue","mount":"chat","queue":"42"}`)
	env := h.conn.waitEnvelope(t)

	require.Equal(t, RecJoinedQueue, env.Record)
	require.Equal(t, "42", env.Queue)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, float64(200), data["code"])

	_ = h.stop(t)
	assert.Equal(t, []string{"chat:42"}, h.bp.subscribes())
	assert.True(t, h.sess.Subscribed("chat:42"))
}

func Test_Session_JoinChat_DedupSecondJoin(t *testing.T) {
	h := startSession(t, nil, nil)

	h.join(t, "42")
	// Second join is an intent-level no-op: no subscribe, no reply.
	h.conn.push(`{"record":"msg_c2g_subscribe_queue","mount":"chat","queue":"42"}`)
	h.sync(t)

	_ = h.stop(t)
	assert.Equal(t, []string{"chat:42"}, h.bp.subscribes())
}

func Test_Session_JoinUser_AcksWithoutResubscribe(t *testing.T) {
	h := startSession(t, nil, nil)

	h.conn.push(`{"record":"msg_c2g_subscribe_queue","mount":"user","queue":""}`)
	env := h.conn.waitEnvelope(t)
	require.Equal(t, RecJoinedQueue, env.Record)
	require.Equal(t, "7", env.Queue)

	_ = h.stop(t)
	assert.Empty(t, h.bp.subscribes(), "private channel was subscribed by the dialer, not the session")
}

func Test_Session_LeaveChat_RemovesAndAcks(t *testing.T) {
	h := startSession(t, nil, nil)

	h.join(t, "42")
	h.conn.push(`{"record":"msg_c2g_unsubscribe_queue","mount":"chat","queue":"42"}`)
	env := h.conn.waitEnvelope(t)
	require.Equal(t, RecLeftQueue, env.Record)
	require.Equal(t, "42", env.Queue)

	_ = h.stop(t)
	assert.Equal(t, []string{"chat:42"}, h.bp.unsubscribes())
	assert.False(t, h.sess.Subscribed("chat:42"))
}

func Test_Session_LeaveChat_NeverJoinedIsSilent(t *testing.T) {
	h := startSession(t, nil, nil)

	h.conn.push(`{"record":"msg_c2g_unsubscribe_queue","mount":"chat","queue":"99"}`)
	h.sync(t)

	_ = h.stop(t)
	assert.Empty(t, h.bp.unsubscribes())
}

func Test_Session_LeaveUser_Rejected(t *testing.T) {
	h := startSession(t, nil, nil)

	h.conn.push(`{"record":"msg_c2g_unsubscribe_queue","mount":"user","queue":""}`)
	env := h.conn.waitEnvelope(t)
	require.Equal(t, RecMessage, env.Record)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, float64(errs.ErrPrivateQueue.Code), data["code"])

	_ = h.stop(t)
	assert.True(t, h.sess.Subscribed("priv_user:7"), "private channel survives a leave attempt")
	assert.Empty(t, h.bp.unsubscribes())
}

func Test_Session_JoinChat_BannedNeverSubscribes(t *testing.T) {
	guard := &fakeGuard{denied: map[int64]error{42: errs.ErrBannedFromRoom}}
	h := startSession(t, guard, nil)

	h.conn.push(`{"record":"msg_c2g_subscribe_queue","mount":"chat","queue":"42"}`)
	env := h.conn.waitEnvelope(t)
	require.Equal(t, RecMessage, env.Record)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, float64(errs.ErrBannedFromRoom.Code), data["code"])

	_ = h.stop(t)
	assert.Empty(t, h.bp.subscribes())
	assert.False(t, h.sess.Subscribed("chat:42"))
}

func Test_Session_JoinChat_NonNumericRoomRejected(t *testing.T) {
	h := startSession(t, nil, nil)

	h.conn.push(`{"record":"msg_c2g_subscribe_queue","mount":"chat","queue":"lobby"}`)
	env := h.conn.waitEnvelope(t)
	require.Equal(t, RecMessage, env.Record)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, float64(errs.ErrInvalidQueue.Code), data["code"])

	_ = h.stop(t)
	assert.Empty(t, h.bp.subscribes())
}

func Test_Session_MalformedFrameIsNotFatal(t *testing.T) {
	h := startSession(t, nil, nil)

	h.conn.push(`{not json`)
	env := h.conn.waitEnvelope(t)
	require.Equal(t, RecMessage, env.Record)

	// The session keeps serving.
	h.join(t, "42")
	_ = h.stop(t)
}

func Test_Session_BackplaneMessageForwardedVerbatim(t *testing.T) {
	h := startSession(t, nil, nil)

	h.join(t, "42")
	payload := `{"record":"msg_g2c_send_message","queue":"chat:42","data":{"message_id":9}}`
	h.bp.deliver("chat:42", payload)

	raw := h.conn.waitRaw(t)
	assert.Equal(t, payload, string(raw), "forwarded bytes are untouched")
	_ = h.stop(t)
}

func Test_Session_BackplaneGarbageIsNotFatal(t *testing.T) {
	h := startSession(t, nil, nil)

	h.bp.deliver("priv_user:7", `}{`)
	env := h.conn.waitEnvelope(t)
	require.Equal(t, RecMessage, env.Record)

	h.join(t, "42")
	_ = h.stop(t)
}

func Test_Session_EvictionSignal_UnsubscribesBeforeForwarding(t *testing.T) {
	h := startSession(t, nil, nil)

	h.join(t, "42")
	signal := `{"record":"msg_g2c_left_queue","queue":"chat:42","data":{}}`
	h.bp.deliver("priv_user:7", signal)

	raw := h.conn.waitRaw(t)
	assert.Equal(t, signal, string(raw), "the signal still reaches the client")

	_ = h.stop(t)
	assert.False(t, h.sess.Subscribed("chat:42"))
	require.Equal(t, []string{"chat:42"}, h.bp.unsubscribes())

	// The unsubscribe must precede the forward.
	trace := h.log.snapshot()
	unsubIdx, writeIdx := -1, -1
	for i, ev := range trace {
		if ev == "unsubscribe chat:42" && unsubIdx == -1 {
			unsubIdx = i
		}
		if ev == "write" {
			writeIdx = i // last write is the forwarded signal
		}
	}
	require.NotEqual(t, -1, unsubIdx)
	assert.Less(t, unsubIdx, writeIdx)
}

func Test_Session_EvictionSignal_UnknownRoomIsHarmless(t *testing.T) {
	h := startSession(t, nil, nil)

	signal := `{"record":"msg_g2c_left_queue","queue":"chat:99","data":{}}`
	h.bp.deliver("priv_user:7", signal)

	raw := h.conn.waitRaw(t)
	assert.Equal(t, signal, string(raw))

	_ = h.stop(t)
	assert.Empty(t, h.bp.unsubscribes())
}

func Test_Session_LeftQueueOnRoomChannelIsNotAControlSignal(t *testing.T) {
	h := startSession(t, nil, nil)

	h.join(t, "42")
	// Another user leaving publishes LeftQueue on the room channel; that
	// must not touch this session's subscriptions.
	notice := `{"record":"msg_g2c_left_queue","queue":"chat:42","data":{}}`
	h.bp.deliver("chat:42", notice)

	raw := h.conn.waitRaw(t)
	assert.Equal(t, notice, string(raw))

	_ = h.stop(t)
	assert.True(t, h.sess.Subscribed("chat:42"))
	assert.Empty(t, h.bp.unsubscribes())
}

func Test_Session_RateLimitedFrameIsSkippedNotFatal(t *testing.T) {
	limiter := &fakeLimiter{rejects: 1}
	h := startSession(t, nil, limiter)

	h.conn.push(`{"record":"msg_c2g_subscribe_queue","mount":"chat","queue":"42"}`)
	env := h.conn.waitEnvelope(t)
	require.Equal(t, RecRateLimit, env.Record)

	// The offending frame was dropped, not processed.
	assert.Empty(t, h.bp.subscribes())

	// Next frame passes.
	h.join(t, "42")
	_ = h.stop(t)
}

func Test_Session_CounterStoreOutageIsFatal(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("counter store unreachable")}
	h := startSession(t, nil, limiter)

	h.conn.push(`{"record":"msg_c2g_subscribe_queue","mount":"chat","queue":"42"}`)

	select {
	case err := <-h.done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session should have terminated")
	}
	assert.Equal(t, StateClosed, h.sess.State())
}

func Test_Session_ClientDisconnectClosesEverything(t *testing.T) {
	h := startSession(t, nil, nil)

	err := h.stop(t)
	require.Error(t, err) // io.EOF from the read side
	assert.Equal(t, StateClosed, h.sess.State())

	// Backplane is released: Next now fails.
	_, _, nerr := h.bp.Next(context.Background())
	assert.Error(t, nerr)
}

func Test_Session_BackplaneFailureEndsSession(t *testing.T) {
	h := startSession(t, nil, nil)

	_ = h.bp.Close()
	select {
	case err := <-h.done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session should have terminated")
	}
	assert.Equal(t, StateClosed, h.sess.State())
}

func Test_Session_RelayedRecordFromClientIsIgnored(t *testing.T) {
	h := startSession(t, nil, nil)

	// A client echoing a g2c record carries no intent.
	h.conn.push(`{"record":"msg_g2c_send_message","mount":"chat","queue":"42"}`)
	h.sync(t)

	_ = h.stop(t)
	assert.Empty(t, h.bp.subscribes())
}
