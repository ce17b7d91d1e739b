package message

import (
	"context"
	"errors"
	"sync"
	"testing"

	"PPChat/module/model"
	"PPChat/service/chat"
	"PPChat/service/chat/chattest"
	"PPChat/service/storage"
	"PPChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.connect(t, "A")
	a2 := f.connect(t, "A")

	msg, err := f.relay.Submit(ctx, a1, submit("c1", "hi", "c1"))
	require.NoError(t, err)
	chattest.Drain(a1)
	chattest.Drain(a2)

	b := f.connect(t, "B")
	require.NoError(t, f.delivery.MarkDelivered(ctx, msg.ID, "B"))

	got, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Delivered)
	require.NotNil(t, got.Status.DeliveredAt)
	require.Len(t, got.DeliveredTo, 1)
	assert.Equal(t, "B", got.DeliveredTo[0].UserID)

	for _, s := range []*chat.Session{a1, a2} {
		evs := chattest.Drain(s)
		require.Equal(t, []string{model.OutDeliveryReceipt}, chattest.Types(evs))
		rc := evs[0].Data.(model.DeliveryReceipt)
		assert.Equal(t, "B", rc.UserID)
		assert.Equal(t, msg.ID, rc.MessageID)
		assert.Equal(t, got.DeliveredTo[0].At, rc.Timestamp)
	}
	assert.Empty(t, chattest.Drain(b))

	// 第二次为 no-op
	require.NoError(t, f.delivery.MarkDelivered(ctx, msg.ID, "B"))
	got, _ = f.store.GetMessage(ctx, msg.ID)
	assert.Len(t, got.DeliveredTo, 1)
	assert.Empty(t, chattest.Drain(a1))
}

func TestMarkDeliveredConcurrentProducesOneReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "A")
	msg, err := f.relay.Submit(ctx, a, submit("c1", "hi", "c1"))
	require.NoError(t, err)
	chattest.Drain(a)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.delivery.MarkDelivered(ctx, msg.ID, "B"))
		}()
	}
	wg.Wait()

	got, _ := f.store.GetMessage(ctx, msg.ID)
	assert.Len(t, got.DeliveredTo, 1)
	assert.Len(t, chattest.OfType(chattest.Drain(a), model.OutDeliveryReceipt), 1)
}

func TestMarkReadBackfillsDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "A")
	msg, err := f.relay.Submit(ctx, a, submit("c1", "hi", "c1"))
	require.NoError(t, err)
	chattest.Drain(a)
	require.EqualValues(t, 1, f.unread(t, "c1", "B"))

	require.NoError(t, f.delivery.MarkRead(ctx, msg.ID, "B"))

	evs := chattest.Drain(a)
	assert.Equal(t, []string{model.OutDeliveryReceipt, model.OutReadReceipt}, chattest.Types(evs))
	rr := evs[1].Data.(model.ReadReceipt)
	assert.Equal(t, "c1", rr.ChatID)
	assert.Equal(t, "B", rr.UserID)

	got, _ := f.store.GetMessage(ctx, msg.ID)
	assert.True(t, got.Status.Delivered)
	assert.True(t, got.Status.Read)
	_, delivered := got.DeliveredReceipt("B")
	_, read := got.ReadReceipt("B")
	assert.True(t, delivered)
	assert.True(t, read)
	assert.EqualValues(t, 0, f.unread(t, "c1", "B"))

	// 再读一次：无新事件
	require.NoError(t, f.delivery.MarkRead(ctx, msg.ID, "B"))
	assert.Empty(t, chattest.Drain(a))
	got, _ = f.store.GetMessage(ctx, msg.ID)
	assert.Len(t, got.ReadBy, 1)

	// 已读之后再标记送达也不会回退
	require.NoError(t, f.delivery.MarkDelivered(ctx, msg.ID, "B"))
	got, _ = f.store.GetMessage(ctx, msg.ID)
	assert.True(t, got.Status.Read)
}

func TestDeliveryRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "A")
	msg, err := f.relay.Submit(ctx, a, submit("c1", "hi", "c1"))
	require.NoError(t, err)
	chattest.Drain(a)

	tests := []struct {
		name      string
		messageID string
		user      string
		code      int
	}{
		{name: "unknown message", messageID: "404", user: "B", code: errs.CodeNotFound},
		{name: "not a member", messageID: msg.ID, user: "C", code: errs.CodePermissionDenied},
		{name: "empty id", messageID: "", user: "B", code: errs.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.delivery.MarkDelivered(ctx, tt.messageID, tt.user)
			assert.Equal(t, tt.code, errs.Code(err))
			err = f.delivery.MarkRead(ctx, tt.messageID, tt.user)
			assert.Equal(t, tt.code, errs.Code(err))
		})
	}

	// 发送者标记自己的消息为 no-op
	require.NoError(t, f.delivery.MarkDelivered(ctx, msg.ID, "A"))
	require.NoError(t, f.delivery.MarkRead(ctx, msg.ID, "A"))
	got, _ := f.store.GetMessage(ctx, msg.ID)
	assert.False(t, got.Status.Delivered)
	assert.False(t, got.Status.Read)
	assert.Empty(t, chattest.Drain(a))
}

func TestMarkDeliveredThroughDispatcher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "A")
	b := f.connect(t, "B")
	msg, err := f.relay.Submit(ctx, a, submit("c1", "hi", "c1"))
	require.NoError(t, err)
	chattest.Drain(a)
	chattest.Drain(b)

	f.hub.Handle(ctx, b, model.Inbound{Type: model.EvMarkDelivered, Data: mustJSON(t, model.MessageRef{MessageID: msg.ID})})
	assert.Empty(t, chattest.Drain(b))
	assert.Equal(t, []string{model.OutDeliveryReceipt}, chattest.Types(chattest.Drain(a)))

	f.hub.Handle(ctx, b, model.Inbound{Type: model.EvMarkRead, Data: mustJSON(t, model.MessageRef{MessageID: "missing"})})
	evs := chattest.Drain(b)
	require.Len(t, evs, 1)
	e := evs[0].Data.(model.ErrorEvent)
	assert.Equal(t, errs.CodeNotFound, e.Code)
	assert.Equal(t, "missing", e.Context["messageId"])
}

// stuckUnread ResetUnread 失败的次数由 fails 控制
type stuckUnread struct {
	*storage.Memory
	mu    sync.Mutex
	fails int
}

func (s *stuckUnread) ResetUnread(ctx context.Context, chatID, userID, lastRead string) error {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return errs.Transient(errors.New("connection reset"), "reset_unread")
	}
	s.mu.Unlock()
	return s.Memory.ResetUnread(ctx, chatID, userID, lastRead)
}

func TestMarkReadSurfacesResetUnreadFailure(t *testing.T) {
	mem := storage.NewMemory()
	mem.PutChat(model.Chat{ID: "c1", Participants: []model.Participant{{UserID: "A"}, {UserID: "B"}}})
	store := &stuckUnread{Memory: mem, fails: 1}
	f := newFixtureWith(t, mem, store)
	ctx := context.Background()
	a := f.connect(t, "A")
	msg, err := f.relay.Submit(ctx, a, submit("c1", "hi", "c1"))
	require.NoError(t, err)
	chattest.Drain(a)

	err = f.delivery.MarkRead(ctx, msg.ID, "B")
	require.Error(t, err)
	assert.Equal(t, errs.CodeTransientStore, errs.Code(err))
	assert.EqualValues(t, 1, f.unread(t, "c1", "B"))
	// 回执本身已经记录并通知
	assert.Equal(t, []string{model.OutDeliveryReceipt, model.OutReadReceipt}, chattest.Types(chattest.Drain(a)))

	// 重试只补做清零，不重复回执
	require.NoError(t, f.delivery.MarkRead(ctx, msg.ID, "B"))
	assert.EqualValues(t, 0, f.unread(t, "c1", "B"))
	assert.Empty(t, chattest.Drain(a))
}
