package message

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"PPChat/module/model"
	"PPChat/service/chat"
	"PPChat/service/chat/chattest"
	"PPChat/service/storage"
	"PPChat/tools/errs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingPusher struct {
	mu   sync.Mutex
	recs []model.OfflinePush
}

func (p *recordingPusher) PushOffline(_ context.Context, rec model.OfflinePush) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
	return nil
}

// flakyUnread IncrementUnread 总是失败
type flakyUnread struct {
	*storage.Memory
}

func (flakyUnread) IncrementUnread(context.Context, string, string, string, time.Time) error {
	return errs.Transient(errors.New("write conflict"), "increment_unread")
}

type fixture struct {
	store    *storage.Memory
	hub      *chat.Hub
	relay    *Relay
	delivery *Delivery
	mut      *Mutations
	pusher   *recordingPusher
}

func newFixture(t *testing.T, opts ...RelayOption) *fixture {
	t.Helper()
	store := storage.NewMemory()
	store.PutChat(model.Chat{ID: "c1", Participants: []model.Participant{{UserID: "A"}, {UserID: "B"}}})
	store.PutChat(model.Chat{ID: "c2", Participants: []model.Participant{{UserID: "C"}}})
	store.PutChat(model.Chat{ID: "c3", Participants: []model.Participant{{UserID: "A"}, {UserID: "D"}}})
	return newFixtureWith(t, store, store, opts...)
}

func newFixtureWith(t *testing.T, mem *storage.Memory, store storage.Store, opts ...RelayOption) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	hub := chat.NewHub(context.Background(), store, chat.ManagerConf{}, nil, log)
	f := &fixture{store: mem, hub: hub, pusher: &recordingPusher{}}
	f.relay = NewRelay(store, hub, log, append([]RelayOption{WithOfflinePusher(f.pusher)}, opts...)...)
	f.delivery = NewDelivery(store, hub, log)
	f.mut = NewMutations(store, hub, log)
	f.relay.Register(hub.Dispatcher())
	f.delivery.Register(hub.Dispatcher())
	f.mut.Register(hub.Dispatcher())
	return f
}

func (f *fixture) connect(t *testing.T, user string) *chat.Session {
	t.Helper()
	s, _ := chattest.NewSession(user, 64)
	require.NoError(t, f.hub.Connect(context.Background(), s))
	chattest.Drain(s)
	return s
}

func (f *fixture) unread(t *testing.T, chatID, user string) int64 {
	t.Helper()
	c, ok := f.store.Chat(chatID)
	require.True(t, ok)
	p, ok := c.Participant(user)
	require.True(t, ok)
	return p.UnreadCount
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func submit(chatID, content, clientID string) model.SubmitMessageReq {
	return model.SubmitMessageReq{ChatID: chatID, Content: content, ClientID: clientID}
}

func TestSubmitFansOutAndAcksOriginator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.connect(t, "A")
	a2 := f.connect(t, "A")

	msg, err := f.relay.Submit(ctx, a1, submit("c1", "hi", "c1"))
	require.NoError(t, err)

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Status.Sent)
	assert.False(t, stored.Status.SentAt.IsZero())
	assert.Equal(t, model.MessageTypeText, stored.Type)

	evs1 := chattest.Drain(a1)
	assert.Equal(t, []string{model.OutNewMessage, model.OutMessageAck}, chattest.Types(evs1))
	ack := evs1[1].Data.(model.MessageAck)
	assert.Equal(t, "c1", ack.ClientID)
	assert.Equal(t, msg.ID, ack.MessageID)
	assert.Empty(t, ack.Warnings)

	evs2 := chattest.Drain(a2)
	require.Equal(t, []string{model.OutNewMessage}, chattest.Types(evs2))
	assert.Equal(t, msg.ID, evs2[0].Data.(model.NewMessage).Message.ID)

	assert.EqualValues(t, 1, f.unread(t, "c1", "B"))
	assert.EqualValues(t, 0, f.unread(t, "c1", "A"))

	require.Len(t, f.pusher.recs, 1)
	assert.Equal(t, model.OfflinePush{UserID: "B", ChatID: "c1", MessageID: msg.ID, SenderID: "A", Ts: msg.CreatedAt}, f.pusher.recs[0])
}

func TestSubmitIsIdempotentPerClientID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "A")

	first, err := f.relay.Submit(ctx, a, submit("c1", "hi", "dup"))
	require.NoError(t, err)
	second, err := f.relay.Submit(ctx, a, submit("c1", "hi", "dup"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.EqualValues(t, 1, f.unread(t, "c1", "B"))
	assert.Len(t, f.pusher.recs, 1)
	// 重放仍然会 ack
	assert.Len(t, chattest.OfType(chattest.Drain(a), model.OutMessageAck), 2)
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")
	b := f.connect(t, "B")

	tests := []struct {
		name string
		req  model.SubmitMessageReq
		code int
	}{
		{name: "not a member", req: submit("c2", "hi", "x1"), code: errs.CodePermissionDenied},
		{name: "unknown chat", req: submit("nope", "hi", "x2"), code: errs.CodeNotFound},
		{name: "empty content", req: submit("c1", "  ", "x3"), code: errs.CodeBadRequest},
		{name: "missing chat", req: submit("", "hi", "x4"), code: errs.CodeBadRequest},
		{name: "bad type", req: model.SubmitMessageReq{ChatID: "c1", Content: "hi", Type: "sticker", ClientID: "x5"}, code: errs.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.hub.Handle(context.Background(), a, model.Inbound{Type: model.EvSubmitMessage, Data: mustJSON(t, tt.req)})
			evs := chattest.Drain(a)
			require.Equal(t, []string{model.OutError}, chattest.Types(evs))
			e := evs[0].Data.(model.ErrorEvent)
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.req.ClientID, e.Context["clientId"])
			assert.Equal(t, model.EvSubmitMessage, e.Context["event"])
			assert.Empty(t, chattest.Drain(b))
		})
	}
	assert.Empty(t, f.pusher.recs)
	assert.EqualValues(t, 0, f.unread(t, "c1", "B"))
}

func TestSubmitOrderPreservedPerSession(t *testing.T) {
	f := newFixture(t)
	a1 := f.connect(t, "A")
	a2 := f.connect(t, "A")
	b := f.connect(t, "B")

	for i, content := range []string{"A", "B", "C"} {
		require.True(t, a1.Deliver(model.Inbound{
			Type: model.EvSubmitMessage,
			Data: mustJSON(t, submit("c1", content, "ord-"+content)),
		}), "deliver %d", i)
	}
	a1.EndInbound()
	f.hub.Serve(a1)

	for _, s := range []*chat.Session{a2, b} {
		var got []string
		for _, ev := range chattest.OfType(chattest.Drain(s), model.OutNewMessage) {
			got = append(got, ev.Data.(model.NewMessage).Message.Content)
		}
		assert.Equal(t, []string{"A", "B", "C"}, got)
	}
}

func TestSubmitSurvivesUnreadFailure(t *testing.T) {
	mem := storage.NewMemory()
	mem.PutChat(model.Chat{ID: "c1", Participants: []model.Participant{{UserID: "A"}, {UserID: "B"}}})
	reg := prometheus.NewPedanticRegistry()
	f := newFixtureWith(t, mem, flakyUnread{mem}, WithMetrics(chat.NewMetrics(reg)))
	a := f.connect(t, "A")
	b := f.connect(t, "B")

	msg, err := f.relay.Submit(context.Background(), a, submit("c1", "hi", "u1"))
	require.NoError(t, err)
	assert.Len(t, chattest.OfType(chattest.Drain(b), model.OutNewMessage), 1)
	acks := chattest.OfType(chattest.Drain(a), model.OutMessageAck)
	require.Len(t, acks, 1)
	assert.Equal(t, []string{model.WarnUnreadNotUpdated}, acks[0].Data.(model.MessageAck).Warnings)

	_, err = mem.GetMessage(context.Background(), msg.ID)
	assert.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "ppchat_side_effect_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMessageDurableAfterSenderDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "A")
	msg, err := f.relay.Submit(ctx, a, submit("c1", "bye", "d1"))
	require.NoError(t, err)
	f.hub.Disconnect(ctx, a)

	got, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "bye", got.Content)
}

type mapIndex struct {
	mu sync.Mutex
	m  map[string]string
}

func (i *mapIndex) Lookup(_ context.Context, chatID, sender, client string) (string, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	id, ok := i.m[chatID+"|"+sender+"|"+client]
	return id, ok, nil
}

func (i *mapIndex) Remember(_ context.Context, chatID, sender, client, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.m[chatID+"|"+sender+"|"+client] = id
	return nil
}

func TestSubmitUsesClientIndex(t *testing.T) {
	idx := &mapIndex{m: map[string]string{}}
	f := newFixture(t, WithClientIndex(idx))
	a := f.connect(t, "A")

	first, err := f.relay.Submit(context.Background(), a, submit("c1", "hi", "k1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, idx.m["c1|A|k1"])

	second, err := f.relay.Submit(context.Background(), a, submit("c1", "hi", "k1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.EqualValues(t, 1, f.unread(t, "c1", "B"))

	// 缓存指向不存在的消息时回落到存储层
	idx.m["c1|A|k2"] = "ghost"
	third, err := f.relay.Submit(context.Background(), a, submit("c1", "again", "k2"))
	require.NoError(t, err)
	assert.NotEqual(t, "ghost", third.ID)

	// 索引项指向别的会话的消息时不采用
	idx.m["c3|A|k3"] = first.ID
	fourth, err := f.relay.Submit(context.Background(), a, submit("c3", "hi D", "k3"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fourth.ID)
	assert.Equal(t, "c3", fourth.ChatID)
}

func TestClientIDReusedAcrossChatsStaysInItsChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "A")
	b := f.connect(t, "B")
	d := f.connect(t, "D")

	secret, err := f.relay.Submit(ctx, a, submit("c1", "secret for B", "x"))
	require.NoError(t, err)
	chattest.Drain(a)
	chattest.Drain(b)
	assert.Empty(t, chattest.Drain(d))

	hi, err := f.relay.Submit(ctx, a, submit("c3", "hi D", "x"))
	require.NoError(t, err)
	assert.NotEqual(t, secret.ID, hi.ID)
	assert.Equal(t, "c3", hi.ChatID)
	assert.Equal(t, "hi D", hi.Content)

	evs := chattest.OfType(chattest.Drain(d), model.OutNewMessage)
	require.Len(t, evs, 1)
	got := evs[0].Data.(model.NewMessage).Message
	assert.Equal(t, "c3", got.ChatID)
	assert.Equal(t, "hi D", got.Content)
	assert.Empty(t, chattest.Drain(b))
	assert.EqualValues(t, 1, f.unread(t, "c3", "D"))
}
