package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/internal/repository/memory"
	"callorchestrator-backend/internal/service/session"
	"callorchestrator-backend/pkg/errors"
	"callorchestrator-backend/pkg/metrics"
)

type discardSink struct{}

func (discardSink) Emit(*domain.Event) {}

type hubFixture struct {
	hub   *SignalingHub
	store *session.Store
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	store := session.NewStore(memory.NewCallRepository(), discardSink{}, m)
	hub := NewSignalingHub(nil, store, nil, HubConfig{}, m)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	return &hubFixture{hub: hub, store: store}
}

func (f *hubFixture) attach(t *testing.T, userID uuid.UUID, buffer int) *SignalingClient {
	t.Helper()
	client := &SignalingClient{
		id:     uuid.NewString(),
		hub:    f.hub,
		send:   make(chan []byte, buffer),
		userID: userID,
	}
	f.hub.register <- client
	require.Eventually(t, func() bool { return f.hub.Connected(userID) }, time.Second, 5*time.Millisecond)
	return client
}

func (f *hubFixture) ongoingCall(t *testing.T, joined []uuid.UUID, invited ...uuid.UUID) uuid.UUID {
	t.Helper()
	start := time.Now().UTC()
	c := &domain.Call{
		Kind:        domain.CallKindVideo,
		IsGroup:     true,
		InitiatorID: joined[0],
		Status:      domain.CallStatusOngoing,
		StartTime:   &start,
	}
	for i, userID := range joined {
		role := domain.RoleParticipant
		if i == 0 {
			role = domain.RoleHost
		}
		p := domain.NewParticipant(userID, role)
		p.Status = domain.ParticipantStatusJoined
		c.AddParticipant(p)
	}
	for _, userID := range invited {
		c.AddParticipant(domain.NewParticipant(userID, domain.RoleParticipant))
	}
	created, err := f.store.Create(context.Background(), c, nil)
	require.NoError(t, err)
	return created.CallID
}

func receive(t *testing.T, client *SignalingClient) SignalingMessage {
	t.Helper()
	select {
	case frame := <-client.send:
		var msg SignalingMessage
		require.NoError(t, json.Unmarshal(frame, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return SignalingMessage{}
	}
}

func assertSilent(t *testing.T, client *SignalingClient) {
	t.Helper()
	select {
	case frame := <-client.send:
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliver_OnlyRecipients(t *testing.T) {
	f := newHubFixture(t)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	aliceTab1 := f.attach(t, alice, 4)
	aliceTab2 := f.attach(t, alice, 4)
	bobConn := f.attach(t, bob, 4)
	carolConn := f.attach(t, carol, 4)

	callID := uuid.New()
	evt := &domain.Event{
		Type:      domain.EventParticipantMuted,
		CallID:    callID,
		UserID:    carol,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"muted": true},
	}
	require.NoError(t, f.hub.Deliver(context.Background(), []uuid.UUID{alice, bob}, evt))

	for _, client := range []*SignalingClient{aliceTab1, aliceTab2, bobConn} {
		msg := receive(t, client)
		assert.Equal(t, "participant_muted", msg.Type)
		assert.Equal(t, callID, msg.CallID)
		assert.Equal(t, carol, msg.SenderID)
		assert.Equal(t, true, msg.Payload["muted"])
	}
	assertSilent(t, carolConn)
}

func TestDispatch_SlowClientIsDropped(t *testing.T) {
	f := newHubFixture(t)
	user := uuid.New()
	f.attach(t, user, 1)

	evt := &domain.Event{Type: domain.EventCallEnded, CallID: uuid.New()}
	require.NoError(t, f.hub.Deliver(context.Background(), []uuid.UUID{user}, evt))
	require.NoError(t, f.hub.Deliver(context.Background(), []uuid.UUID{user}, evt))

	assert.Eventually(t, func() bool { return !f.hub.Connected(user) }, time.Second, 5*time.Millisecond)
}

func TestHandleSignal_DroppedClientGetsNoError(t *testing.T) {
	f := newHubFixture(t)
	user := uuid.New()
	client := f.attach(t, user, 1)

	evt := &domain.Event{Type: domain.EventCallEnded, CallID: uuid.New()}
	require.NoError(t, f.hub.Deliver(context.Background(), []uuid.UUID{user}, evt))
	require.NoError(t, f.hub.Deliver(context.Background(), []uuid.UUID{user}, evt))
	require.Eventually(t, func() bool { return !f.hub.Connected(user) }, time.Second, 5*time.Millisecond)

	assert.NotPanics(t, func() {
		f.hub.handleSignal(context.Background(), client, &SignalingMessage{Type: "bogus", CallID: uuid.New()})
		f.hub.handleSignal(context.Background(), client, &SignalingMessage{Type: SignalTypeOffer, CallID: uuid.New(), TargetID: uuid.New()})
	})

	msg := receive(t, client)
	assert.Equal(t, "call_ended", msg.Type)
	_, open := <-client.send
	assert.False(t, open, "only the queued frame remains on a dropped client")
}

func TestAuthorizeSignal(t *testing.T) {
	f := newHubFixture(t)
	alice, bob, invited, stranger := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	callID := f.ongoingCall(t, []uuid.UUID{alice, bob}, invited)
	ctx := context.Background()

	tests := []struct {
		name   string
		msg    SignalingMessage
		code   errors.ErrorCode
		allows bool
	}{
		{"joined peers", SignalingMessage{CallID: callID, SenderID: alice, TargetID: bob}, "", true},
		{"target not joined", SignalingMessage{CallID: callID, SenderID: alice, TargetID: invited}, errors.ErrCodePermissionDenied, false},
		{"sender not in call", SignalingMessage{CallID: callID, SenderID: stranger, TargetID: bob}, errors.ErrCodePermissionDenied, false},
		{"self", SignalingMessage{CallID: callID, SenderID: alice, TargetID: alice}, errors.ErrCodeValidation, false},
		{"missing target", SignalingMessage{CallID: callID, SenderID: alice}, errors.ErrCodeValidation, false},
		{"unknown call", SignalingMessage{CallID: uuid.New(), SenderID: alice, TargetID: bob}, errors.ErrCodeNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			err := f.hub.authorizeSignal(ctx, &msg)
			if tt.allows {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}

	_, err := f.store.Close(ctx, callID, alice, domain.CallStatusEnded, "")
	require.NoError(t, err)
	err = f.hub.authorizeSignal(ctx, &SignalingMessage{CallID: callID, SenderID: alice, TargetID: bob})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidTransition))
}

func TestHandleSignal(t *testing.T) {
	f := newHubFixture(t)
	alice, bob, invited := uuid.New(), uuid.New(), uuid.New()
	callID := f.ongoingCall(t, []uuid.UUID{alice, bob}, invited)
	aliceConn := f.attach(t, alice, 4)
	bobConn := f.attach(t, bob, 4)
	invitedConn := f.attach(t, invited, 4)
	ctx := context.Background()

	t.Run("offer is forwarded to the target with the real sender", func(t *testing.T) {
		f.hub.handleSignal(ctx, aliceConn, &SignalingMessage{
			Type:     SignalTypeOffer,
			CallID:   callID,
			SenderID: invited,
			TargetID: bob,
			SDP:      "v=0",
		})
		msg := receive(t, bobConn)
		assert.Equal(t, SignalTypeOffer, msg.Type)
		assert.Equal(t, alice, msg.SenderID)
		assert.Equal(t, "v=0", msg.SDP)
		assertSilent(t, aliceConn)
	})

	t.Run("signal to a non-joined user is rejected back to the sender", func(t *testing.T) {
		f.hub.handleSignal(ctx, aliceConn, &SignalingMessage{
			Type:      SignalTypeICE,
			CallID:    callID,
			TargetID:  invited,
			Candidate: map[string]any{"candidate": "a=candidate:1"},
		})
		msg := receive(t, aliceConn)
		assert.Equal(t, SignalTypeError, msg.Type)
		assert.Equal(t, "PERMISSION_DENIED", msg.Payload["code"])
		assertSilent(t, invitedConn)
	})

	t.Run("unsupported type", func(t *testing.T) {
		f.hub.handleSignal(ctx, aliceConn, &SignalingMessage{Type: "call_ended", CallID: callID, TargetID: bob})
		msg := receive(t, aliceConn)
		assert.Equal(t, SignalTypeError, msg.Type)
		assert.Equal(t, "VALIDATION_ERROR", msg.Payload["code"])
		assertSilent(t, bobConn)
	})
}
