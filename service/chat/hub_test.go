package chat_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PPChat/module/model"
	"PPChat/service/chat"
	"PPChat/service/chat/chattest"
	"PPChat/service/storage"
	"PPChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingHooks struct {
	chat.NopHooks
	online  atomic.Int32
	offline atomic.Int32
	closed  atomic.Int32
}

func (h *countingHooks) UserOnline(context.Context, string)             { h.online.Add(1) }
func (h *countingHooks) UserOffline(context.Context, string, time.Time) { h.offline.Add(1) }
func (h *countingHooks) SessionClosed(context.Context, *chat.Session)   { h.closed.Add(1) }

func newStore() *storage.Memory {
	m := storage.NewMemory()
	m.PutChat(model.Chat{ID: "c1", Participants: []model.Participant{{UserID: "A"}, {UserID: "B"}}})
	m.PutChat(model.Chat{ID: "c2", Participants: []model.Participant{{UserID: "B"}}})
	return m
}

func newHub(t *testing.T, conf chat.ManagerConf) *chat.Hub {
	t.Helper()
	return chat.NewHub(context.Background(), newStore(), conf, nil, zaptest.NewLogger(t))
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func errorEvent(t *testing.T, evs []model.Outbound) model.ErrorEvent {
	t.Helper()
	errsOut := chattest.OfType(evs, model.OutError)
	require.Len(t, errsOut, 1, "want exactly one error event, got %v", chattest.Types(evs))
	return errsOut[0].Data.(model.ErrorEvent)
}

func TestPresenceTransitionsFireOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		hub := newHub(t, chat.ManagerConf{})
		hooks := &countingHooks{}
		hub.AddHooks(hooks)

		const n = 8
		sessions := make([]*chat.Session, n)
		for i := range sessions {
			sessions[i], _ = chattest.NewSession("A", 16)
		}

		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(s *chat.Session) {
				defer wg.Done()
				assert.NoError(t, hub.Connect(context.Background(), s))
			}(s)
		}
		wg.Wait()
		assert.True(t, hub.Online("A"))
		assert.EqualValues(t, 1, hooks.online.Load())

		for _, s := range sessions {
			wg.Add(1)
			go func(s *chat.Session) {
				defer wg.Done()
				hub.Disconnect(context.Background(), s)
				// 重复断开是 no-op
				hub.Disconnect(context.Background(), s)
			}(s)
		}
		wg.Wait()
		assert.False(t, hub.Online("A"))
		assert.EqualValues(t, 1, hooks.offline.Load())
		assert.EqualValues(t, n, hooks.closed.Load())
	}
}

func TestReconnectWhileAnotherSessionStaysOnline(t *testing.T) {
	for round := 0; round < 50; round++ {
		hub := newHub(t, chat.ManagerConf{})
		ctx := context.Background()
		keep, _ := chattest.NewSession("A", 16)
		old, _ := chattest.NewSession("A", 16)
		require.NoError(t, hub.Connect(ctx, keep))
		require.NoError(t, hub.Connect(ctx, old))
		hooks := &countingHooks{}
		hub.AddHooks(hooks)

		fresh, _ := chattest.NewSession("A", 16)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, hub.Connect(ctx, fresh))
		}()
		go func() {
			defer wg.Done()
			hub.Disconnect(ctx, old)
		}()
		wg.Wait()

		assert.True(t, hub.Online("A"))
		assert.Len(t, hub.SessionsFor("A"), 2)
		assert.Zero(t, hooks.offline.Load())
		assert.Zero(t, hooks.online.Load())
		assert.EqualValues(t, 1, hooks.closed.Load())
	}
}

func TestPresenceCyclesFireOncePerTransition(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{})
	hooks := &countingHooks{}
	hub.AddHooks(hooks)
	ctx := context.Background()

	const cycles = 5
	for i := 0; i < cycles; i++ {
		s1, _ := chattest.NewSession("A", 16)
		s2, _ := chattest.NewSession("A", 16)
		require.NoError(t, hub.Connect(ctx, s1))
		require.NoError(t, hub.Connect(ctx, s2))
		assert.EqualValues(t, i+1, hooks.online.Load())

		hub.Disconnect(ctx, s1)
		assert.EqualValues(t, i, hooks.offline.Load(), "still one live session")
		hub.Disconnect(ctx, s2)
		hub.Disconnect(ctx, s2)
		assert.False(t, hub.Online("A"))
		assert.EqualValues(t, i+1, hooks.offline.Load())
	}
	assert.EqualValues(t, cycles, hooks.online.Load())
	assert.EqualValues(t, cycles, hooks.offline.Load())
	assert.EqualValues(t, 2*cycles, hooks.closed.Load())
}

func TestConnectAutoJoinsRooms(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{})
	s, _ := chattest.NewSession("B", 16)
	require.NoError(t, hub.Connect(context.Background(), s))

	evs := chattest.Drain(s)
	require.Equal(t, []string{model.OutConnected}, chattest.Types(evs))
	connected := evs[0].Data.(model.Connected)
	assert.Equal(t, "B", connected.UserID)
	assert.Equal(t, s.ID, connected.SessionID)
	assert.Equal(t, []string{"c1", "c2"}, connected.Rooms)
	assert.True(t, hub.IsJoined(s, "c1"))
	assert.True(t, hub.IsJoined(s, "c2"))
}

func TestJoinRoomChecksMembership(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{})
	s, _ := chattest.NewSession("A", 16)
	require.NoError(t, hub.Connect(context.Background(), s))
	chattest.Drain(s)

	tests := []struct {
		name   string
		roomID string
		code   int
	}{
		{name: "not a member", roomID: "c2", code: errs.CodePermissionDenied},
		{name: "unknown chat", roomID: "nope", code: errs.CodeNotFound},
		{name: "empty", roomID: "", code: errs.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub.Handle(context.Background(), s, model.Inbound{Type: model.EvJoinRoom, Data: raw(model.JoinRoomReq{RoomID: tt.roomID})})
			e := errorEvent(t, chattest.Drain(s))
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, model.EvJoinRoom, e.Context["event"])
			assert.False(t, hub.IsJoined(s, tt.roomID))
		})
	}

	hub.Handle(context.Background(), s, model.Inbound{Type: model.EvLeaveRoom, Data: raw(model.JoinRoomReq{RoomID: "c1"})})
	assert.Equal(t, []string{model.OutRoomLeft}, chattest.Types(chattest.Drain(s)))
	assert.False(t, hub.IsJoined(s, "c1"))

	hub.Handle(context.Background(), s, model.Inbound{Type: model.EvJoinRoom, Data: raw(model.JoinRoomReq{RoomID: "c1"})})
	assert.Equal(t, []string{model.OutRoomJoined}, chattest.Types(chattest.Drain(s)))
	assert.True(t, hub.IsJoined(s, "c1"))
}

func TestBroadcastSnapshotAndExclude(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{})
	a1, _ := chattest.NewSession("A", 16)
	a2, _ := chattest.NewSession("A", 16)
	b1, _ := chattest.NewSession("B", 16)
	for _, s := range []*chat.Session{a1, a2, b1} {
		require.NoError(t, hub.Connect(context.Background(), s))
		chattest.Drain(s)
	}

	ev := model.Outbound{Type: model.OutTyping, Data: model.Typing{UserID: "A", ChatID: "c1", IsTyping: true}}
	assert.Equal(t, 2, hub.Broadcast("c1", ev, a1))
	assert.Empty(t, chattest.Drain(a1))
	assert.Len(t, chattest.Drain(a2), 1)
	assert.Len(t, chattest.Drain(b1), 1)

	assert.Equal(t, 3, hub.Broadcast("c1", ev, nil))
	assert.Equal(t, 2, hub.SendToUser("A", ev))
	assert.Equal(t, 0, hub.SendToUser("nobody", ev))
}

func TestHandlerPanicBecomesErrorEvent(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{})
	hub.Dispatcher().Register("explode", func(context.Context, *chat.Session, json.RawMessage) error {
		panic("kaboom")
	})
	s, _ := chattest.NewSession("A", 16)
	require.NoError(t, hub.Connect(context.Background(), s))
	chattest.Drain(s)

	hub.Handle(context.Background(), s, model.Inbound{Type: "explode"})
	e := errorEvent(t, chattest.Drain(s))
	assert.Equal(t, errs.CodeInternal, e.Code)
	assert.Equal(t, "explode", e.Context["event"])

	// 会话仍可继续处理
	hub.Handle(context.Background(), s, model.Inbound{Type: model.EvPing})
	assert.Equal(t, []string{model.OutPong}, chattest.Types(chattest.Drain(s)))
	assert.True(t, hub.Online("A"))
}

func TestUnknownAndMalformedEvents(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{})
	s, _ := chattest.NewSession("A", 16)
	require.NoError(t, hub.Connect(context.Background(), s))
	chattest.Drain(s)

	hub.Handle(context.Background(), s, model.Inbound{Type: "teleport"})
	assert.Equal(t, errs.CodeBadRequest, errorEvent(t, chattest.Drain(s)).Code)

	hub.Handle(context.Background(), s, model.Inbound{Type: model.EvJoinRoom, Data: json.RawMessage(`{"roomId": 42}`)})
	assert.Equal(t, errs.CodeBadRequest, errorEvent(t, chattest.Drain(s)).Code)
}

func TestSlowSessionIsClosed(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{})
	s, tr := chattest.NewSession("A", 1)
	require.NoError(t, hub.Connect(context.Background(), s))
	// connected 占满队列，下一条触发丢弃
	assert.False(t, s.Send(model.OutPong, model.Pong{}))
	assert.EqualValues(t, 1, s.Dropped())
	assert.True(t, s.Closed())
	assert.Equal(t, 1, tr.CloseCount())

	// 回收器随后清理
	n := chat.NewReaper(hub, time.Minute, zaptest.NewLogger(t)).Sweep(context.Background())
	assert.Equal(t, 1, n)
	assert.False(t, hub.Online("A"))
}

func TestReaperCollectsDeadTransports(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{})
	hooks := &countingHooks{}
	hub.AddHooks(hooks)

	live, _ := chattest.NewSession("A", 16)
	dead, tr := chattest.NewSession("A", 16)
	require.NoError(t, hub.Connect(context.Background(), live))
	require.NoError(t, hub.Connect(context.Background(), dead))
	tr.Drop()

	reaper := chat.NewReaper(hub, time.Minute, zaptest.NewLogger(t))
	assert.Equal(t, 1, reaper.Sweep(context.Background()))
	assert.True(t, hub.Online("A"))
	assert.False(t, hub.IsJoined(dead, "c1"))
	assert.EqualValues(t, 0, hooks.offline.Load())
	assert.EqualValues(t, 1, hooks.closed.Load())

	assert.Equal(t, 0, reaper.Sweep(context.Background()))
}

func TestReaperRunStopsWithContext(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{})
	s, tr := chattest.NewSession("A", 16)
	require.NoError(t, hub.Connect(context.Background(), s))
	tr.Drop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- chat.NewReaper(hub, 10*time.Millisecond, zaptest.NewLogger(t)).Run(ctx) }()

	assert.Eventually(t, func() bool { return !hub.Online("A") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestMaxPerUserEvictsOldest(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{MaxPerUser: 2})
	var sessions []*chat.Session
	for i := 0; i < 3; i++ {
		s, _ := chattest.NewSession("A", 16)
		s.ConnectedAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, hub.Connect(context.Background(), s))
		sessions = append(sessions, s)
	}
	assert.True(t, sessions[0].Closed())
	assert.False(t, sessions[1].Closed())
	assert.False(t, sessions[2].Closed())
	assert.Len(t, hub.SessionsFor("A"), 2)
}

func TestPushJoinAndLeave(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{})
	s1, _ := chattest.NewSession("A", 16)
	s2, _ := chattest.NewSession("A", 16)
	require.NoError(t, hub.Connect(context.Background(), s1))
	require.NoError(t, hub.Connect(context.Background(), s2))
	chattest.Drain(s1)
	chattest.Drain(s2)

	assert.Equal(t, 2, hub.PushJoin("A", "c9"))
	assert.Equal(t, 0, hub.PushJoin("A", "c9"))
	assert.Equal(t, []string{model.OutRoomJoined}, chattest.Types(chattest.Drain(s1)))
	assert.Equal(t, []string{model.OutRoomJoined}, chattest.Types(chattest.Drain(s2)))

	assert.Equal(t, 2, hub.PushLeave("A", "c9"))
	assert.Equal(t, []string{model.OutRoomLeft}, chattest.Types(chattest.Drain(s1)))
	assert.Equal(t, []string{model.OutRoomLeft}, chattest.Types(chattest.Drain(s2)))
	assert.False(t, hub.IsJoined(s1, "c9"))
	assert.False(t, hub.IsJoined(s2, "c9"))
}

func TestServeDrainsThenDisconnects(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{})
	s, _ := chattest.NewSession("A", 16)
	require.NoError(t, hub.Connect(context.Background(), s))
	chattest.Drain(s)

	require.True(t, s.Deliver(model.Inbound{Type: model.EvPing}))
	require.True(t, s.Deliver(model.Inbound{Type: model.EvPing}))
	s.EndInbound()

	done := make(chan struct{})
	go func() {
		hub.Serve(s)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
	assert.Equal(t, []string{model.OutPong, model.OutPong}, chattest.Types(chattest.Drain(s)))
	assert.False(t, hub.Online("A"))
	assert.True(t, s.Closed())
}

func TestCloseAllDisconnectsEverySession(t *testing.T) {
	hub := newHub(t, chat.ManagerConf{})
	hooks := &countingHooks{}
	hub.AddHooks(hooks)
	ctx := context.Background()
	for _, u := range []string{"A", "A", "B"} {
		s, _ := chattest.NewSession(u, 16)
		require.NoError(t, hub.Connect(ctx, s))
	}

	assert.Equal(t, 3, hub.CloseAll(ctx))
	sessions, users := hub.Conns().Count()
	assert.Zero(t, sessions)
	assert.Zero(t, users)
	assert.Zero(t, hub.Rooms().Count())
	assert.EqualValues(t, 2, hooks.offline.Load())
	assert.EqualValues(t, 3, hooks.closed.Load())
}
