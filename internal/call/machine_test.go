package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duocall-backend/internal/domain"
	"duocall-backend/internal/media"
	"duocall-backend/internal/peer"
	"duocall-backend/internal/signaling"
)

func record(t *testing.T, store signaling.Channel, id string) *domain.CallRecord {
	t.Helper()
	rec, err := store.GetRecord(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func waitStatus(t *testing.T, store signaling.Channel, id string, status domain.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := store.GetRecord(context.Background(), id)
		return err == nil && rec.Status == status
	}, waitFor, tick)
}

func waitDeleted(t *testing.T, store signaling.Channel, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := store.GetRecord(context.Background(), id)
		return errors.Is(err, domain.ErrRecordNotFound)
	}, waitFor, tick)
}

func TestNewMachine_Validation(t *testing.T) {
	store := signaling.NewMemoryStore()
	factory := (&peerFactory{provider: &fakeProvider{}}).New
	identity := StaticIdentity{SelfIdentity: alice, PartnerIdentity: bob}

	_, err := NewMachine(testConfig(), Deps{Store: store, NewPeer: factory})
	assert.Error(t, err)

	_, err = NewMachine(testConfig(), Deps{Identity: StaticIdentity{}, Store: store, NewPeer: factory})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.MaxReconnectAttempts = 0
	_, err = NewMachine(cfg, Deps{Identity: identity, Store: store, NewPeer: factory})
	assert.Error(t, err)

	m, err := NewMachine(testConfig(), Deps{Identity: identity, Store: store, NewPeer: factory})
	require.NoError(t, err)
	defer m.Close()

	st := m.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.True(t, st.Audio)
	assert.True(t, st.Video)
	assert.False(t, st.Speaker)
}

func TestRequestAndCancelPermission(t *testing.T) {
	sd := newSide(t, testConfig(), signaling.NewMemoryStore(), alice, bob)
	ctx := context.Background()

	require.NoError(t, sd.m.RequestCall(ctx, domain.CallKindAudio))
	assert.Equal(t, PhasePermissionPending, sd.m.State().Phase)

	require.NoError(t, sd.m.RequestCall(ctx, domain.CallKindVideo))
	st := sd.m.State()
	assert.Equal(t, PhasePermissionPending, st.Phase)
	assert.Equal(t, domain.CallKindVideo, st.Kind)

	require.NoError(t, sd.m.CancelPermission(ctx))
	assert.Equal(t, PhaseIdle, sd.m.State().Phase)
	require.NoError(t, sd.m.CancelPermission(ctx))

	assert.Error(t, sd.m.RequestCall(ctx, "screen"))
}

func TestVideoCall_BothSidesReachActive(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	ctx := context.Background()

	require.NoError(t, caller.m.RequestCall(ctx, domain.CallKindVideo))
	require.NoError(t, caller.m.StartCall(ctx, domain.CallKindVideo))
	st := caller.m.State()
	assert.Equal(t, PhaseCalling, st.Phase)
	assert.Equal(t, RoleCaller, st.Role)

	rec := record(t, store, st.CallID)
	assert.Equal(t, domain.CallStatusRinging, rec.Status)
	require.NotNil(t, rec.Offer)
	assert.Equal(t, "offer", rec.Offer.Type)
	assert.Equal(t, "alice", rec.CallerID)
	assert.Equal(t, "bob", rec.CalleeID)
	assert.True(t, caller.notifier.has("incoming", "bob", rec.ID))

	incoming := waitIncoming(t, callee)
	assert.Equal(t, rec.ID, incoming.ID)
	assert.Equal(t, PhaseIdle, callee.m.State().Phase)
	require.Len(t, waitEvents(t, callee, EventIncomingCall, 1), 1)

	require.NoError(t, callee.m.AnswerCall(ctx, rec.ID, nil))
	cst := callee.m.State()
	assert.Equal(t, PhaseActive, cst.Phase)
	assert.Equal(t, RoleCallee, cst.Role)
	assert.Nil(t, cst.Incoming)
	assert.True(t, callee.notifier.has("remove", "bob", rec.ID))

	waitPhase(t, caller, PhaseActive)

	rec = record(t, store, rec.ID)
	assert.Equal(t, domain.CallStatusActive, rec.Status)
	require.NotNil(t, rec.Answer)
	require.NotNil(t, rec.AnsweredAt)

	// candidates crossed in discovery order on both sides
	require.Eventually(t, func() bool { return len(callee.peers.last().appliedCandidates()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"alice-offer-0", "alice-offer-1", "alice-offer-2"}, callee.peers.last().appliedCandidates())
	require.Eventually(t, func() bool { return len(caller.peers.last().appliedCandidates()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"bob-answer-0", "bob-answer-1", "bob-answer-2"}, caller.peers.last().appliedCandidates())

	// both sides captured audio and video
	assert.True(t, caller.peers.last().trackEnabled(webrtc.RTPCodecTypeVideo))
	assert.True(t, callee.peers.last().trackEnabled(webrtc.RTPCodecTypeVideo))

	require.Eventually(t, func() bool { return len(caller.events.of(EventTick)) > 0 }, waitFor, tick)
	assert.Greater(t, caller.m.State().Duration, time.Duration(0))
}

func TestAudioCall_CapturesAudioOnly(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)

	establish(t, caller, callee, domain.CallKindAudio)

	st := caller.m.State()
	assert.Equal(t, domain.CallKindAudio, st.Kind)
	assert.True(t, st.Audio)
	assert.False(t, st.Video)

	p := caller.peers.last()
	assert.True(t, p.trackEnabled(webrtc.RTPCodecTypeAudio))
	assert.ErrorIs(t, p.SetTrackEnabled(webrtc.RTPCodecTypeVideo, true), peer.ErrNoLocalMedia)
	assert.ErrorIs(t, caller.m.ToggleVideo(context.Background()), ErrAudioOnly)
}

func TestReject_ReturnsCallerToIdle(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	ctx := context.Background()

	require.NoError(t, caller.m.StartCall(ctx, domain.CallKindVideo))
	rec := waitIncoming(t, callee)

	require.NoError(t, callee.m.RejectCall(ctx, rec.ID))
	assert.Nil(t, callee.m.State().Incoming)
	assert.True(t, callee.notifier.has("remove", "bob", rec.ID))

	waitPhase(t, caller, PhaseIdle)
	ended := waitEvents(t, caller, EventCallEnded, 1)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonRejected, ended[0].Reason)
	require.Eventually(t, caller.peers.last().isClosed, waitFor, tick)
	for _, s := range caller.provider.all() {
		assert.True(t, s.Released())
	}

	// repeat is a no-op
	require.NoError(t, callee.m.RejectCall(ctx, rec.ID))

	waitDeleted(t, store, rec.ID)
	assert.Equal(t, 0, store.ListLen(rec.ID, domain.CallerCandidates))

	require.Eventually(t, func() bool { return len(callee.history.all()) == 1 }, waitFor, tick)
	assert.Equal(t, domain.CallStatusRejected, callee.history.all()[0].Status)
	require.Eventually(t, func() bool { return len(caller.history.all()) == 1 }, waitFor, tick)
	assert.Equal(t, domain.CallStatusRejected, caller.history.all()[0].Status)
}

func TestCallerEndsBeforeAnswer(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	ctx := context.Background()

	require.NoError(t, caller.m.StartCall(ctx, domain.CallKindVideo))
	rec := waitIncoming(t, callee)

	require.NoError(t, caller.m.EndCall(ctx))
	assert.Equal(t, PhaseIdle, caller.m.State().Phase)

	ended := record(t, store, rec.ID)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Equal(t, ReasonHangup, ended.EndReason)

	require.Eventually(t, func() bool { return callee.m.State().Incoming == nil }, waitFor, tick)
	assert.Equal(t, PhaseIdle, callee.m.State().Phase)
	require.Len(t, waitEvents(t, callee, EventIncomingCallEnded, 1), 1)
	assert.True(t, callee.notifier.has("remove", "bob", rec.ID))

	waitDeleted(t, store, rec.ID)
	assert.Equal(t, 1, store.DeleteCount(rec.ID))

	// the stale record can no longer be answered
	assert.ErrorIs(t, callee.m.AnswerCall(ctx, rec.ID, nil), ErrCallNotRinging)
}

func TestEndDuringMediaAcquisition_LeavesNoRecord(t *testing.T) {
	store := signaling.NewMemoryStore()
	sd := newSide(t, testConfig(), store, alice, bob)
	sd.provider.gate = make(chan struct{})
	sd.provider.started = make(chan struct{}, 1)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- sd.m.StartCall(ctx, domain.CallKindVideo) }()

	<-sd.provider.started
	assert.Equal(t, PhaseCalling, sd.m.State().Phase)
	require.NoError(t, sd.m.EndCall(ctx))
	assert.Equal(t, PhaseIdle, sd.m.State().Phase)

	close(sd.provider.gate)
	err := <-done
	assert.ErrorIs(t, err, ErrCallCancelled)

	streams := sd.provider.all()
	require.Len(t, streams, 1)
	assert.True(t, streams[0].Released(), "late tracks must be stopped")
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, PhaseIdle, sd.m.State().Phase)
	assert.Empty(t, sd.history.all())
}

func TestDuplicateStart_IsAnInFlightNoOp(t *testing.T) {
	store := signaling.NewMemoryStore()
	sd := newSide(t, testConfig(), store, alice, bob)
	sd.provider.gate = make(chan struct{})
	sd.provider.started = make(chan struct{}, 1)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- sd.m.StartCall(ctx, domain.CallKindAudio) }()
	<-sd.provider.started

	assert.ErrorIs(t, sd.m.StartCall(ctx, domain.CallKindAudio), ErrOperationInFlight)

	close(sd.provider.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, store.Len())
	assert.Len(t, sd.peers.peers, 1)

	assert.ErrorIs(t, sd.m.StartCall(ctx, domain.CallKindAudio), ErrCallInProgress)
}

func TestConcurrentEnd_CleansUpOnce(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	id := establish(t, caller, callee, domain.CallKindVideo)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, caller.m.EndCall(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, caller.metrics.endedCount())
	require.Len(t, waitEvents(t, caller, EventCallEnded, 1), 1)
	assert.Equal(t, 1, caller.peers.last().closeCalls)

	waitDeleted(t, store, id)
	require.Eventually(t, func() bool { return callee.metrics.endedCount() == 1 }, waitFor, tick)
	time.Sleep(2 * testConfig().DeleteGracePeriod)
	assert.Equal(t, 1, store.DeleteCount(id))
	assert.Equal(t, 1, callee.metrics.endedCount())
	assert.Len(t, caller.events.of(EventCallEnded), 1)
}

func TestDuplicateReject_IsAnInFlightNoOp(t *testing.T) {
	mem := signaling.NewMemoryStore()
	store := &gatedStore{MemoryStore: mem}
	caller := newSide(t, testConfig(), mem, alice, bob)
	callee := newSide(t, testConfig(), store, bob, alice)
	require.NoError(t, callee.m.Watch(context.Background()))
	ctx := context.Background()

	require.NoError(t, caller.m.StartCall(ctx, domain.CallKindAudio))
	rec := waitIncoming(t, callee)

	store.gate = make(chan struct{})
	store.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- callee.m.RejectCall(ctx, rec.ID) }()
	<-store.entered

	assert.ErrorIs(t, callee.m.RejectCall(ctx, rec.ID), ErrOperationInFlight)
	close(store.gate)
	require.NoError(t, <-done)

	assert.Equal(t, domain.CallStatusRejected, record(t, mem, rec.ID).Status)
	require.Len(t, waitEvents(t, callee, EventIncomingCallEnded, 1), 1)
	waitPhase(t, caller, PhaseIdle)
}

func TestDuplicateAnswer_IsAnInFlightNoOp(t *testing.T) {
	mem := signaling.NewMemoryStore()
	store := &gatedStore{MemoryStore: mem}
	caller := newSide(t, testConfig(), mem, alice, bob)
	callee := newSide(t, testConfig(), store, bob, alice)
	require.NoError(t, callee.m.Watch(context.Background()))
	ctx := context.Background()

	require.NoError(t, caller.m.StartCall(ctx, domain.CallKindAudio))
	rec := waitIncoming(t, callee)

	store.gate = make(chan struct{})
	store.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- callee.m.AnswerCall(ctx, rec.ID, nil) }()
	<-store.entered

	assert.ErrorIs(t, callee.m.AnswerCall(ctx, rec.ID, nil), ErrOperationInFlight)
	close(store.gate)
	require.NoError(t, <-done)

	assert.Len(t, callee.peers.peers, 1)
	waitPhase(t, caller, PhaseActive)
}

func TestRemoteEnd_EndsBothSides(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	id := establish(t, caller, callee, domain.CallKindVideo)

	require.NoError(t, callee.m.EndCall(context.Background()))
	assert.Equal(t, PhaseIdle, callee.m.State().Phase)

	waitPhase(t, caller, PhaseIdle)
	ended := waitEvents(t, caller, EventCallEnded, 1)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonHangup, ended[0].Reason)

	waitDeleted(t, store, id)

	require.Eventually(t, func() bool { return len(caller.history.all()) == 1 }, waitFor, tick)
	entry := caller.history.all()[0]
	assert.Equal(t, "alice", entry.OwnerID)
	assert.Equal(t, "bob", entry.PeerID)
	assert.Equal(t, string(RoleCaller), entry.Direction)
	assert.Equal(t, domain.CallStatusEnded, entry.Status)
}

func TestRecordDeletion_EndsObserver(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	id := establish(t, caller, callee, domain.CallKindAudio)

	require.NoError(t, store.DeleteRecord(context.Background(), id))

	waitPhase(t, caller, PhaseIdle)
	waitPhase(t, callee, PhaseIdle)
	assert.Equal(t, ReasonRemoteDeleted, waitEvents(t, callee, EventCallEnded, 1)[0].Reason)
	assert.Equal(t, ReasonRemoteDeleted, waitEvents(t, caller, EventCallEnded, 1)[0].Reason)
}

func TestStatusNeverMovesBackwards(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	ctx := context.Background()
	id := establish(t, caller, callee, domain.CallKindAudio)

	require.NoError(t, caller.m.EndCall(ctx))
	assert.Equal(t, domain.CallStatusEnded, record(t, store, id).Status)

	// a late answer or reject cannot revive the record
	active := domain.CallStatusActive
	_, err := store.UpdateRecord(ctx, id, domain.RecordUpdate{Status: &active})
	assert.ErrorIs(t, err, domain.ErrRecordTerminal)
	assert.NoError(t, callee.m.RejectCall(ctx, id))
	assert.Equal(t, domain.CallStatusEnded, record(t, store, id).Status)
}

func TestMediaFailure_CreatesNoRecord(t *testing.T) {
	store := signaling.NewMemoryStore()
	sd := newSide(t, testConfig(), store, alice, bob)
	sd.provider.err = errors.New("NotAllowedError: permission denied by user")

	err := sd.m.StartCall(context.Background(), domain.CallKindVideo)
	var mediaErr *MediaAccessError
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, media.ReasonPermissionDenied, mediaErr.Reason)
	assert.NotEmpty(t, Guidance(err))

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, PhaseIdle, sd.m.State().Phase)
	assert.True(t, sd.peers.last().isClosed())
}

func TestCreateFailure_ReturnsSignalingError(t *testing.T) {
	store := signaling.NewMemoryStore()
	sd := newSide(t, testConfig(), store, alice, bob)
	store.FailNext(signaling.OpCreate, errors.New("connection refused"), 1)

	err := sd.m.StartCall(context.Background(), domain.CallKindAudio)
	var sigErr *SignalingWriteError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, "create", sigErr.Op)

	assert.Equal(t, PhaseIdle, sd.m.State().Phase)
	assert.True(t, sd.peers.last().isClosed())
	for _, s := range sd.provider.all() {
		assert.True(t, s.Released())
	}
}

func TestPeerCreationFailure_ReturnsNegotiationError(t *testing.T) {
	store := signaling.NewMemoryStore()
	sd := newSide(t, testConfig(), store, alice, bob)
	sd.peers.err = errors.New("no ice agent")

	err := sd.m.StartCall(context.Background(), domain.CallKindAudio)
	var negErr *NegotiationError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, "connect", negErr.Step)
	assert.Equal(t, PhaseIdle, sd.m.State().Phase)
	assert.Equal(t, 0, store.Len())
}

func TestStartWithoutPartner(t *testing.T) {
	sd := newSide(t, testConfig(), signaling.NewMemoryStore(), alice, Identity{})
	require.NoError(t, sd.m.RequestCall(context.Background(), domain.CallKindAudio))

	assert.ErrorIs(t, sd.m.StartCall(context.Background(), domain.CallKindAudio), ErrNoPartner)
	assert.Equal(t, PhaseIdle, sd.m.State().Phase)
}

func TestCalleeMediaFailure_KeepsCallRinging(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	ctx := context.Background()

	require.NoError(t, caller.m.StartCall(ctx, domain.CallKindVideo))
	rec := waitIncoming(t, callee)

	callee.provider.err = errors.New("device or resource busy")
	err := callee.m.AnswerCall(ctx, rec.ID, nil)
	var mediaErr *MediaAccessError
	require.ErrorAs(t, err, &mediaErr)
	assert.Equal(t, media.ReasonDeviceBusy, mediaErr.Reason)

	assert.Equal(t, PhaseIdle, callee.m.State().Phase)
	waitIncoming(t, callee)
	assert.Equal(t, domain.CallStatusRinging, record(t, store, rec.ID).Status)
	assert.Equal(t, PhaseCalling, caller.m.State().Phase)

	callee.provider.err = nil
	require.NoError(t, callee.m.AnswerCall(ctx, rec.ID, nil))
	waitPhase(t, caller, PhaseActive)
}

func TestCalleeHangupDuringAnswer_EndsCallerToo(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	ctx := context.Background()

	require.NoError(t, caller.m.StartCall(ctx, domain.CallKindVideo))
	rec := waitIncoming(t, callee)

	callee.provider.gate = make(chan struct{})
	callee.provider.started = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- callee.m.AnswerCall(ctx, rec.ID, nil) }()
	<-callee.provider.started

	require.NoError(t, callee.m.EndCall(ctx))
	close(callee.provider.gate)
	assert.ErrorIs(t, <-done, ErrCallCancelled)

	waitPhase(t, caller, PhaseIdle)
	assert.Equal(t, ReasonHangup, waitEvents(t, caller, EventCallEnded, 1)[0].Reason)
	st := callee.m.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Nil(t, st.Incoming)
	waitDeleted(t, store, rec.ID)
}

func TestIncomingWhileBusy_OfferedOnceIdle(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	ctx := context.Background()
	establish(t, caller, callee, domain.CallKindAudio)

	carol := newSide(t, testConfig(), store, Identity{ID: "carol", Name: "Carol"}, bob)
	require.NoError(t, carol.m.StartCall(ctx, domain.CallKindAudio))
	waiting := carol.m.State().CallID
	assert.Never(t, func() bool { return callee.m.State().Incoming != nil }, 50*time.Millisecond, tick)

	require.NoError(t, caller.m.EndCall(ctx))
	waitPhase(t, callee, PhaseIdle)
	assert.Equal(t, waiting, waitIncoming(t, callee).ID)
	assert.Equal(t, "carol", callee.m.State().Incoming.CallerID)
}

func TestIncomingWhileBusy_DroppedWhenCallerGaveUp(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	ctx := context.Background()
	establish(t, caller, callee, domain.CallKindAudio)

	carol := newSide(t, testConfig(), store, Identity{ID: "carol", Name: "Carol"}, bob)
	require.NoError(t, carol.m.StartCall(ctx, domain.CallKindAudio))
	require.NoError(t, carol.m.EndCall(ctx))
	waitPhase(t, carol, PhaseIdle)

	require.NoError(t, caller.m.EndCall(ctx))
	waitPhase(t, callee, PhaseIdle)
	assert.Never(t, func() bool { return callee.m.State().Incoming != nil }, 100*time.Millisecond, tick)
}

func TestRingTimeout_EndsWithMissedCall(t *testing.T) {
	store := signaling.NewMemoryStore()
	cfg := testConfig()
	cfg.RingTimeout = 30 * time.Millisecond
	caller, callee := newPair(t, cfg, store)

	require.NoError(t, caller.m.StartCall(context.Background(), domain.CallKindAudio))
	id := caller.m.State().CallID

	waitPhase(t, caller, PhaseIdle)
	assert.True(t, caller.notifier.has("missed", "bob", id))
	assert.Equal(t, ReasonNoAnswer, waitEvents(t, caller, EventCallEnded, 1)[0].Reason)
	assert.Equal(t, ReasonNoAnswer, waitEvents(t, callee, EventIncomingCallEnded, 1)[0].Reason)
	assert.Equal(t, domain.CallStatusEnded, record(t, store, id).Status)
}

func TestReconnect_ThreeDisconnectsEndCall(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	id := establish(t, caller, callee, domain.CallKindVideo)
	p := caller.peers.last()

	p.setState(peer.StateConnected)
	p.setState(peer.StateDisconnected)
	st := caller.m.State()
	assert.Equal(t, 1, st.ReconnectAttempt)
	assert.True(t, st.Reconnecting)

	p.setState(peer.StateDisconnected)
	assert.Equal(t, 2, caller.m.State().ReconnectAttempt)
	assert.Equal(t, PhaseActive, caller.m.State().Phase)

	p.setState(peer.StateFailed)
	assert.Equal(t, PhaseIdle, caller.m.State().Phase)

	waitEvents(t, caller, EventConnectionLost, 1)
	for _, ev := range caller.events.of(EventReconnecting) {
		assert.LessOrEqual(t, ev.Attempt, ev.MaxAttempts)
	}
	assert.Len(t, caller.events.of(EventReconnecting), 2)

	rec := record(t, store, id)
	assert.Equal(t, domain.CallStatusEnded, rec.Status)
	assert.Equal(t, ReasonConnectionLost, rec.EndReason)
	waitPhase(t, callee, PhaseIdle)

	// late state changes after cleanup are ignored
	p.setState(peer.StateDisconnected)
	assert.Len(t, caller.events.of(EventReconnecting), 2)
}

func TestReconnect_CounterResetsOnRecovery(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	establish(t, caller, callee, domain.CallKindAudio)
	p := caller.peers.last()

	assert.Equal(t, 0, caller.m.State().ReconnectAttempt)
	p.setState(peer.StateDisconnected)
	p.setState(peer.StateDisconnected)
	assert.Equal(t, 2, caller.m.State().ReconnectAttempt)

	p.setState(peer.StateConnected)
	st := caller.m.State()
	assert.Equal(t, 0, st.ReconnectAttempt)
	assert.False(t, st.Reconnecting)
	waitEvents(t, caller, EventReconnected, 1)

	p.setState(peer.StateDisconnected)
	assert.Equal(t, 1, caller.m.State().ReconnectAttempt)
	assert.Equal(t, PhaseActive, caller.m.State().Phase)
}

func TestReconnect_BackoffCountsFurtherAttempts(t *testing.T) {
	store := signaling.NewMemoryStore()
	cfg := testConfig()
	cfg.ReconnectBackoff = 10 * time.Millisecond
	caller, callee := newPair(t, cfg, store)
	id := establish(t, caller, callee, domain.CallKindAudio)

	caller.peers.last().setState(peer.StateDisconnected)

	waitPhase(t, caller, PhaseIdle)
	waitStatus(t, store, id, domain.CallStatusEnded)
	assert.Equal(t, ReasonConnectionLost, record(t, store, id).EndReason)
	waitEvents(t, caller, EventConnectionLost, 1)
	assert.Len(t, caller.events.of(EventReconnecting), cfg.MaxReconnectAttempts-1)
	assert.Equal(t, cfg.MaxReconnectAttempts, caller.metrics.reconnects)
}

func TestReconnect_IgnoredBeforeActive(t *testing.T) {
	store := signaling.NewMemoryStore()
	sd := newSide(t, testConfig(), store, alice, bob)
	require.NoError(t, sd.m.StartCall(context.Background(), domain.CallKindAudio))

	for i := 0; i < 5; i++ {
		sd.peers.last().setState(peer.StateDisconnected)
	}
	st := sd.m.State()
	assert.Equal(t, PhaseCalling, st.Phase)
	assert.Equal(t, 0, st.ReconnectAttempt)
}

func TestToggles(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	ctx := context.Background()

	assert.ErrorIs(t, caller.m.ToggleAudio(ctx), ErrNoActiveCall)
	assert.ErrorIs(t, caller.m.ToggleSpeaker(ctx), ErrNoActiveCall)

	establish(t, caller, callee, domain.CallKindVideo)
	p := caller.peers.last()

	require.NoError(t, caller.m.ToggleAudio(ctx))
	require.NoError(t, caller.m.ToggleVideo(ctx))
	require.NoError(t, caller.m.ToggleSpeaker(ctx))

	st := caller.m.State()
	assert.False(t, st.Audio)
	assert.False(t, st.Video)
	assert.True(t, st.Speaker)
	assert.False(t, p.trackEnabled(webrtc.RTPCodecTypeAudio))
	assert.False(t, p.trackEnabled(webrtc.RTPCodecTypeVideo))
	assert.True(t, caller.router.on())

	require.NoError(t, caller.m.ToggleAudio(ctx))
	assert.True(t, p.trackEnabled(webrtc.RTPCodecTypeAudio))

	require.NoError(t, caller.m.EndCall(ctx))
	st = caller.m.State()
	assert.True(t, st.Audio)
	assert.True(t, st.Video)
	assert.False(t, st.Speaker)
	assert.Equal(t, time.Duration(0), st.Duration)
}

func TestToggleDuringMediaAcquisition_AppliedAfterward(t *testing.T) {
	store := signaling.NewMemoryStore()
	sd := newSide(t, testConfig(), store, alice, bob)
	sd.provider.gate = make(chan struct{})
	sd.provider.started = make(chan struct{}, 1)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- sd.m.StartCall(ctx, domain.CallKindVideo) }()
	<-sd.provider.started

	require.NoError(t, sd.m.ToggleAudio(ctx))
	close(sd.provider.gate)
	require.NoError(t, <-done)

	assert.False(t, sd.peers.last().trackEnabled(webrtc.RTPCodecTypeAudio))
	assert.True(t, sd.peers.last().trackEnabled(webrtc.RTPCodecTypeVideo))
}

func TestMediaInterrupted_EndsCall(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	establish(t, caller, callee, domain.CallKindVideo)

	streams := caller.provider.all()
	require.Len(t, streams, 1)
	streams[0].Interrupt(errors.New("camera unplugged"))

	waitPhase(t, caller, PhaseIdle)
	errs := waitEvents(t, caller, EventError, 1)
	assert.Equal(t, media.NewAccessError(media.ReasonInterrupted, nil).Guidance(), errs[0].Message)
	assert.Equal(t, ReasonMediaInterrupted, waitEvents(t, caller, EventCallEnded, 1)[0].Reason)
	require.Eventually(t, streams[0].Released, waitFor, tick)

	waitPhase(t, callee, PhaseIdle)
	assert.Equal(t, ReasonMediaInterrupted, waitEvents(t, callee, EventCallEnded, 1)[0].Reason)
}

func TestQualityMonitor(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	establish(t, caller, callee, domain.CallKindAudio)
	p := caller.peers.last()

	p.setStats(peer.Stats{PacketsReceived: 1000, Jitter: 5 * time.Millisecond})
	require.Eventually(t, func() bool { return caller.m.State().Quality == QualityExcellent }, waitFor, tick)

	p.setStats(peer.Stats{PacketsReceived: 1100, PacketsLost: 50, Jitter: 200 * time.Millisecond})
	require.Eventually(t, func() bool { return caller.m.State().Quality == QualityPoor }, waitFor, tick)
	waitEvents(t, caller, EventQualityChanged, 2)
}

func TestClassifyQuality(t *testing.T) {
	tests := []struct {
		loss   float64
		jitter time.Duration
		want   Quality
	}{
		{0, 0, QualityExcellent},
		{0.01, 30 * time.Millisecond, QualityExcellent},
		{0.02, 10 * time.Millisecond, QualityGood},
		{0, 50 * time.Millisecond, QualityGood},
		{0.05, 100 * time.Millisecond, QualityFair},
		{0.2, 0, QualityPoor},
		{0, time.Second, QualityPoor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyQuality(tt.loss, tt.jitter), "loss=%v jitter=%v", tt.loss, tt.jitter)
	}
}

func TestClose_WaitsOutGracePeriod(t *testing.T) {
	store := signaling.NewMemoryStore()
	cfg := testConfig()
	cfg.DeleteGracePeriod = 100 * time.Millisecond
	sd := newSide(t, cfg, store, alice, bob)
	ctx := context.Background()

	require.NoError(t, sd.m.StartCall(ctx, domain.CallKindAudio))
	id := sd.m.State().CallID
	require.NoError(t, sd.m.EndCall(ctx))
	assert.Equal(t, domain.CallStatusEnded, record(t, store, id).Status)

	require.NoError(t, sd.m.Close())
	_, err := store.GetRecord(ctx, id)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	assert.ErrorIs(t, sd.m.StartCall(ctx, domain.CallKindAudio), ErrMachineClosed)
	require.NoError(t, sd.m.Close())
}

func TestClose_LeavesLongGraceDeletionsPending(t *testing.T) {
	store := signaling.NewMemoryStore()
	cfg := testConfig()
	cfg.DeleteGracePeriod = time.Hour
	cfg.CloseTimeout = 20 * time.Millisecond
	sd := newSide(t, cfg, store, alice, bob)
	ctx := context.Background()

	require.NoError(t, sd.m.StartCall(ctx, domain.CallKindAudio))
	id := sd.m.State().CallID
	require.NoError(t, sd.m.EndCall(ctx))

	started := time.Now()
	require.NoError(t, sd.m.Close())
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, domain.CallStatusEnded, record(t, store, id).Status)
	assert.Equal(t, 0, store.DeleteCount(id))
}

func TestClose_EndsActiveCall(t *testing.T) {
	store := signaling.NewMemoryStore()
	caller, callee := newPair(t, testConfig(), store)
	id := establish(t, caller, callee, domain.CallKindAudio)

	require.NoError(t, callee.m.Close())
	waitPhase(t, caller, PhaseIdle)
	ended := waitEvents(t, caller, EventCallEnded, 1)
	assert.Equal(t, ReasonShutdown, ended[0].Reason, "caller saw the ended status before the record was deleted")
	waitDeleted(t, store, id)
}

func TestRemoteSinkAttachedPerCall(t *testing.T) {
	store := signaling.NewMemoryStore()
	sd := newSide(t, testConfig(), store, alice, bob)
	var sinks []string
	sd.m.newSink = func(callID string) peer.RemoteSink {
		sinks = append(sinks, callID)
		return nopSink{}
	}

	require.NoError(t, sd.m.StartCall(context.Background(), domain.CallKindAudio))
	assert.Equal(t, []string{sd.m.State().CallID}, sinks)
	assert.NotNil(t, sd.peers.last().sink)
}

type nopSink struct{}

func (nopSink) Attach(peer.RemoteTrackInfo) {}

func (nopSink) WriteRTP(peer.RemoteTrackInfo, *rtp.Packet) error { return nil }
