package signal

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"PPChat/module/model"
	"PPChat/service/chat"
	"PPChat/service/chat/chattest"
	"PPChat/service/storage"
	"PPChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	hub    *chat.Hub
	typing *Typing
	calls  *Calls
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	store.PutChat(model.Chat{ID: "c1", Participants: []model.Participant{{UserID: "A"}, {UserID: "B"}}})
	store.PutChat(model.Chat{ID: "c2", Participants: []model.Participant{{UserID: "A"}, {UserID: "C"}}})
	log := zaptest.NewLogger(t)
	hub := chat.NewHub(context.Background(), store, chat.ManagerConf{}, nil, log)
	f := &fixture{hub: hub, typing: NewTyping(hub, log), calls: NewCalls(hub, store, log)}
	f.typing.Register(hub.Dispatcher())
	f.calls.Register(hub.Dispatcher())
	hub.AddHooks(f.typing, f.calls)
	seq := 0
	f.calls.newID = func() string {
		seq++
		return "call-" + strconv.Itoa(seq)
	}
	return f
}

func (f *fixture) connect(t *testing.T, user string) *chat.Session {
	t.Helper()
	s, _ := chattest.NewSession(user, 32)
	require.NoError(t, f.hub.Connect(context.Background(), s))
	chattest.Drain(s)
	return s
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestTypingBroadcastExcludesSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.connect(t, "A")
	a2 := f.connect(t, "A")
	b := f.connect(t, "B")

	f.typing.Start(ctx, a1, "c1")
	assert.True(t, f.typing.IsTyping("c1", "A"))
	assert.Empty(t, chattest.Drain(a1))
	for _, s := range []*chat.Session{a2, b} {
		evs := chattest.Drain(s)
		require.Equal(t, []string{model.OutTyping}, chattest.Types(evs))
		assert.Equal(t, model.Typing{UserID: "A", ChatID: "c1", IsTyping: true}, evs[0].Data)
	}

	f.typing.Stop(ctx, a1, "c1")
	assert.False(t, f.typing.IsTyping("c1", "A"))
	evs := chattest.Drain(b)
	require.Len(t, evs, 1)
	assert.False(t, evs[0].Data.(model.Typing).IsTyping)
}

func TestTypingIgnoredOutsideRoom(t *testing.T) {
	f := newFixture(t)
	b := f.connect(t, "B")
	c := f.connect(t, "C")

	// B 不在 c2
	f.hub.Handle(context.Background(), b, model.Inbound{Type: model.EvTypingStart, Data: raw(t, model.TypingReq{ChatID: "c2"})})
	assert.Empty(t, chattest.Drain(b), "typing never surfaces errors")
	assert.Empty(t, chattest.Drain(c))
	assert.False(t, f.typing.IsTyping("c2", "B"))
}

func TestTypingClearedOnSessionClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "A")
	b := f.connect(t, "B")

	f.typing.Start(ctx, a, "c1")
	chattest.Drain(b)

	f.hub.Disconnect(ctx, a)
	assert.False(t, f.typing.IsTyping("c1", "A"))
	typing := chattest.OfType(chattest.Drain(b), model.OutTyping)
	require.Len(t, typing, 1)
	assert.False(t, typing[0].Data.(model.Typing).IsTyping)
}

func TestTypingClearedByReaper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, tr := chattest.NewSession("A", 32)
	require.NoError(t, f.hub.Connect(ctx, a))
	f.typing.Start(ctx, a, "c1")
	tr.Drop()

	chat.NewReaper(f.hub, 0, zaptest.NewLogger(t)).Sweep(ctx)
	assert.False(t, f.typing.IsTyping("c1", "A"))
}

func TestCallInitiateToOfflineUser(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A")

	f.hub.Handle(context.Background(), a, model.Inbound{
		Type: model.EvCallInitiate,
		Data: raw(t, model.CallInitiateReq{TargetUserID: "B", ChatID: "c1", CallType: CallTypeVideo}),
	})
	evs := chattest.Drain(a)
	require.Equal(t, []string{model.OutError}, chattest.Types(evs))
	e := evs[0].Data.(model.ErrorEvent)
	assert.Equal(t, errs.CodeTargetUnavailable, e.Code)
	assert.Equal(t, "B", e.Context["targetUserId"])
	assert.Zero(t, f.calls.Active())
}

func TestCallLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "A")
	b1 := f.connect(t, "B")
	b2 := f.connect(t, "B")

	offer := json.RawMessage(`{"sdp":"v=0"}`)
	require.NoError(t, f.calls.Initiate(ctx, a, model.CallInitiateReq{TargetUserID: "B", ChatID: "c1", Offer: offer}))

	initiated := chattest.Drain(a)
	require.Equal(t, []string{model.OutCallInitiated}, chattest.Types(initiated))
	callID := initiated[0].Data.(model.CallInitiated).CallID
	assert.Equal(t, "call-1", callID)

	for _, s := range []*chat.Session{b1, b2} {
		evs := chattest.Drain(s)
		require.Len(t, evs, 1)
		in := evs[0].Data.(model.IncomingCall)
		assert.Equal(t, callID, in.CallID)
		assert.Equal(t, "A", in.CallerID)
		assert.Equal(t, CallTypeAudio, in.CallType)
		assert.JSONEq(t, string(offer), string(in.Offer))
	}

	require.NoError(t, f.calls.Answer(ctx, b1, model.CallAnswerReq{CallerID: "A", Answer: json.RawMessage(`{}`)}))
	answered := chattest.Drain(a)
	require.Len(t, answered, 1)
	assert.Equal(t, callID, answered[0].Data.(model.CallAnswered).CallID)
	call, ok := f.calls.Between("B", "A")
	require.True(t, ok)
	assert.True(t, call.Answered)

	require.NoError(t, f.calls.Ice(ctx, a, model.IceCandidateReq{TargetUserID: "B", Candidate: json.RawMessage(`{"c":1}`)}))
	assert.Len(t, chattest.OfType(chattest.Drain(b2), model.OutIceCandidate), 1)

	require.NoError(t, f.calls.End(ctx, b2, model.CallEndReq{TargetUserID: "A"}))
	ended := chattest.Drain(a)
	require.Len(t, ended, 1)
	assert.Equal(t, model.CallEnded{CallID: callID, EnderID: "B", Reason: EndReasonHangup}, ended[0].Data)
	assert.Zero(t, f.calls.Active())
}

func TestCallReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "A")
	b := f.connect(t, "B")
	require.NoError(t, f.calls.Initiate(ctx, a, model.CallInitiateReq{TargetUserID: "B", ChatID: "c1"}))
	chattest.Drain(a)
	chattest.Drain(b)

	require.NoError(t, f.calls.Reject(ctx, b, model.CallRejectReq{CallerID: "A", Reason: "busy"}))
	evs := chattest.Drain(a)
	require.Len(t, evs, 1)
	rej := evs[0].Data.(model.CallRejected)
	assert.Equal(t, "B", rej.RejecterID)
	assert.Equal(t, "busy", rej.Reason)
	assert.Zero(t, f.calls.Active())
}

func TestCallRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "A")
	f.connect(t, "B")
	f.connect(t, "C")

	tests := []struct {
		name string
		req  model.CallInitiateReq
		code int
	}{
		{name: "target not in chat", req: model.CallInitiateReq{TargetUserID: "C", ChatID: "c1"}, code: errs.CodePermissionDenied},
		{name: "unknown chat", req: model.CallInitiateReq{TargetUserID: "B", ChatID: "zz"}, code: errs.CodeNotFound},
		{name: "self call", req: model.CallInitiateReq{TargetUserID: "A", ChatID: "c1"}, code: errs.CodeBadRequest},
		{name: "bad type", req: model.CallInitiateReq{TargetUserID: "B", ChatID: "c1", CallType: "fax"}, code: errs.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, errs.Code(f.calls.Initiate(ctx, a, tt.req)))
		})
	}

	err := f.calls.Ice(ctx, a, model.IceCandidateReq{TargetUserID: "nobody"})
	assert.Equal(t, errs.CodeTargetUnavailable, errs.Code(err))
	err = f.calls.Answer(ctx, a, model.CallAnswerReq{CallerID: "nobody"})
	assert.Equal(t, errs.CodeTargetUnavailable, errs.Code(err))
}

func TestCallEndedWhenPartyGoesOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.connect(t, "A")
	b := f.connect(t, "B")
	require.NoError(t, f.calls.Initiate(ctx, a, model.CallInitiateReq{TargetUserID: "B", ChatID: "c1"}))
	chattest.Drain(a)
	chattest.Drain(b)

	f.hub.Disconnect(ctx, b)
	evs := chattest.OfType(chattest.Drain(a), model.OutCallEnded)
	require.Len(t, evs, 1)
	ended := evs[0].Data.(model.CallEnded)
	assert.Equal(t, "B", ended.EnderID)
	assert.Equal(t, EndReasonDisconnected, ended.Reason)
	assert.Zero(t, f.calls.Active())
}
