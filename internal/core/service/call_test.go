package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type viewLog struct {
	mu    sync.Mutex
	views []domain.CallView
}

func (l *viewLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.views)
}

func (l *viewLog) count(st domain.CallState) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, v := range l.views {
		if v.State == st {
			n++
		}
	}
	return n
}

type party struct {
	id        domain.UserID
	clock     *clock.Mock
	signal    *fakeSignal
	store     *fakeStore
	media     *fakeMedia
	transport *fakeTransport
	history   *fakeHistory
	svc       *CallService
	views     *viewLog
}

func newParty(t *testing.T, id domain.UserID, relay *fakeRelay, net *fakeNet, clk *clock.Mock) *party {
	t.Helper()
	p := &party{
		id:        id,
		clock:     clk,
		store:     newFakeStore(),
		media:     newFakeMedia(),
		transport: newFakeTransport(net),
		history:   &fakeHistory{},
		views:     &viewLog{},
	}
	if relay != nil {
		p.signal = relay.join(id)
	} else {
		p.signal = newFakeSignal()
	}
	p.svc = NewCallService(CallConfig{Local: id, Negotiator: DefaultNegotiatorConfig()}, CallDeps{
		Store:     p.store,
		Signaling: p.signal,
		Media:     p.media,
		Transport: p.transport,
		History:   p.history,
		Clock:     clk,
	})

	ch, cancel := p.svc.Subscribe()
	go func() {
		for v := range ch {
			p.views.mu.Lock()
			p.views.views = append(p.views.views, v)
			p.views.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		cancel()
		p.svc.Close()
	})
	return p
}

func (p *party) waitState(t *testing.T, st domain.CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return p.svc.View().State == st }, waitFor, tick,
		"%s never reached %s (now %+v)", p.id, st, p.svc.View())
}

func (p *party) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		v := p.svc.View()
		return v.ConnectionState == domain.ConnectionConnected && v.HasRemoteStream
	}, waitFor, tick, "%s never connected (now %+v)", p.id, p.svc.View())
}

// waitArmed waits until the given attempt has opened its endpoint, which is
// when its escalation timer starts.
func (p *party) waitArmed(t *testing.T, attempt int) {
	t.Helper()
	require.Eventually(t, func() bool {
		v := p.svc.View()
		switch v.Phase {
		case domain.PhaseAwaitingRemoteEndpoint, domain.PhaseExchangingOffer, domain.PhaseConnecting:
			return v.Attempt == attempt
		}
		return false
	}, waitFor, tick, "%s attempt %d never opened (now %+v)", p.id, attempt, p.svc.View())
}

func (p *party) outcomes() []domain.Outcome {
	var out []domain.Outcome
	for _, r := range p.history.all() {
		out = append(out, r.Outcome)
	}
	return out
}

func TestCallScenarioVideoCallBetweenTwoUsers(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	relay, net := newFakeRelay(), newFakeNet()
	alice := newParty(t, "alice", relay, net, clk)
	bob := newParty(t, "bob", relay, net, clk)

	require.NoError(t, alice.svc.Place(ctx, "bob", domain.CallVideo))
	assert.Equal(t, domain.CallRingingOutgoing, alice.svc.View().State)

	bob.waitState(t, domain.CallRingingIncoming)
	v := bob.svc.View()
	assert.Equal(t, domain.UserID("alice"), v.RemoteUserID)
	assert.Equal(t, domain.CallVideo, v.Kind)
	_, ok := bob.store.Read(ctx, domain.IntentIncoming)
	assert.True(t, ok)
	assert.Empty(t, bob.media.streams(), "no media before accept")

	require.NoError(t, bob.svc.Accept(ctx))
	alice.waitConnected(t)
	bob.waitConnected(t)
	assert.Equal(t, domain.CallVideo, alice.svc.View().Kind)
	assert.Len(t, bob.signal.sentOf(domain.MessageCallAccept), 1)

	require.NoError(t, alice.svc.End(ctx))
	alice.waitState(t, domain.CallIdle)
	bob.waitState(t, domain.CallIdle)

	for _, p := range []*party{alice, bob} {
		assert.True(t, p.store.empty(), "%s store not cleared", p.id)
		assert.Zero(t, p.media.live(), "%s leaked media", p.id)
		assert.Equal(t, []domain.Outcome{domain.OutcomeCompleted}, p.outcomes())
		require.Eventually(t, func() bool { return p.views.count(domain.CallEnded) == 1 }, waitFor, tick)
		for _, ep := range p.transport.endpoints() {
			assert.True(t, ep.isClosed())
		}
	}
}

func TestCallDuplicateAcceptIsNoop(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	relay, net := newFakeRelay(), newFakeNet()
	alice := newParty(t, "alice", relay, net, clk)
	bob := newParty(t, "bob", relay, net, clk)

	require.NoError(t, alice.svc.Place(ctx, "bob", domain.CallAudio))
	bob.waitState(t, domain.CallRingingIncoming)
	require.NoError(t, bob.svc.Accept(ctx))
	alice.waitConnected(t)

	before := alice.svc.View()
	eps := alice.transport.endpoints()
	require.Len(t, eps, 1)
	calls := eps[0].callCount()
	accept := bob.signal.sentOf(domain.MessageCallAccept)[0]

	alice.signal.deliver(accept)
	alice.signal.deliver(accept)

	assert.Equal(t, before, alice.svc.View())
	assert.Equal(t, calls, eps[0].callCount())
	assert.Len(t, alice.transport.endpoints(), 1)
	assert.Len(t, alice.media.streams(), 1)
}

func TestCallEndsOnceWhenAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	alice := newParty(t, "alice", nil, nil, clk)

	require.NoError(t, alice.svc.Place(ctx, "bob", domain.CallVideo))
	alice.signal.deliver(domain.NewCallAccept("bob", "alice", "bob-unreachable"))

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		alice.waitArmed(t, attempt)
		assert.Equal(t, domain.ConnectionConnecting, alice.svc.View().ConnectionState)
		clk.Add(DefaultEscalationTimeout)
	}

	alice.waitState(t, domain.CallIdle)
	v := alice.svc.View()
	assert.NotEmpty(t, v.Diagnostic)
	assert.Zero(t, alice.media.live())
	assert.True(t, alice.store.empty())
	for _, ep := range alice.transport.endpoints() {
		assert.True(t, ep.isClosed())
	}
	assert.Len(t, alice.signal.sentOf(domain.MessageCallEnd), 1)
	assert.Len(t, alice.signal.sentOf(domain.MessageForceReconnect), 1)

	recs := alice.history.all()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.OutcomeFailed, recs[0].Outcome)
	assert.Equal(t, DefaultMaxAttempts, recs[0].Attempts)

	clk.Add(time.Minute)
	require.Eventually(t, func() bool { return alice.views.count(domain.CallEnded) == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return alice.views.count(domain.CallEnded) > 1 }, 100*time.Millisecond, tick)

	require.NoError(t, alice.svc.Retry(ctx))
	assert.Equal(t, domain.CallRingingOutgoing, alice.svc.View().State)
	assert.Len(t, alice.signal.sentOf(domain.MessageCallOffer), 2)
}

func TestCallEscalatesWithoutUserAction(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	alice := newParty(t, "alice", nil, nil, clk)

	require.NoError(t, alice.svc.Place(ctx, "bob", domain.CallAudio))
	alice.signal.deliver(domain.NewCallAccept("bob", "alice", "bob-unreachable"))
	alice.waitArmed(t, 1)

	clk.Add(DefaultEscalationTimeout)
	alice.waitArmed(t, 2)

	v := alice.svc.View()
	assert.Equal(t, domain.CallActive, v.State)
	assert.Equal(t, 1, v.Tier)
	assert.Empty(t, v.Diagnostic, "intermediate failures are not surfaced")
}

func TestCallIncomingExpires(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	bob := newParty(t, "bob", nil, nil, clk)

	bob.signal.deliver(domain.NewCallOffer("alice", "bob", domain.CallVideo, ""))
	bob.waitState(t, domain.CallRingingIncoming)

	clk.Add(DefaultIncomingTTL)
	bob.waitState(t, domain.CallIdle)

	_, ok := bob.store.Read(ctx, domain.IntentIncoming)
	assert.False(t, ok)
	assert.Empty(t, bob.media.streams())
	assert.Empty(t, bob.transport.endpoints())
	rejects := bob.signal.sentOf(domain.MessageCallReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, "no answer", rejects[0].Reason)
	assert.Equal(t, []domain.Outcome{domain.OutcomeMissed}, bob.outcomes())
}

func TestCallRejectAcquiresNothing(t *testing.T) {
	ctx := context.Background()
	bob := newParty(t, "bob", nil, nil, clock.NewMock())

	bob.signal.deliver(domain.NewCallOffer("alice", "bob", domain.CallVideo, ""))
	bob.waitState(t, domain.CallRingingIncoming)
	require.NoError(t, bob.svc.Reject(ctx))

	assert.Equal(t, domain.CallIdle, bob.svc.View().State)
	assert.Empty(t, bob.media.streams())
	assert.True(t, bob.store.empty())
	rejects := bob.signal.sentOf(domain.MessageCallReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, domain.UserID("alice"), rejects[0].To)
	assert.Equal(t, []domain.Outcome{domain.OutcomeRejected}, bob.outcomes())
}

func TestCallBusyRejectsSecondCaller(t *testing.T) {
	bob := newParty(t, "bob", nil, nil, clock.NewMock())

	bob.signal.deliver(domain.NewCallOffer("alice", "bob", domain.CallAudio, ""))
	bob.waitState(t, domain.CallRingingIncoming)
	bob.signal.deliver(domain.NewCallOffer("alice", "bob", domain.CallAudio, ""))
	bob.signal.deliver(domain.NewCallOffer("carol", "bob", domain.CallAudio, ""))

	v := bob.svc.View()
	assert.Equal(t, domain.CallRingingIncoming, v.State)
	assert.Equal(t, domain.UserID("alice"), v.RemoteUserID)
	rejects := bob.signal.sentOf(domain.MessageCallReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, domain.UserID("carol"), rejects[0].To)
	assert.Equal(t, "busy", rejects[0].Reason)
}

func TestCallCrossedOffersConnect(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	relay, net := newFakeRelay(), newFakeNet()
	alice := newParty(t, "alice", relay, net, clk)
	bob := newParty(t, "bob", relay, net, clk)

	// Hold both offers so each side is already ringing out when the other arrives.
	alice.signal.setState(domain.ChannelDown)
	bob.signal.setState(domain.ChannelDown)
	require.NoError(t, alice.svc.Place(ctx, "bob", domain.CallAudio))
	require.NoError(t, bob.svc.Place(ctx, "alice", domain.CallAudio))
	alice.signal.setState(domain.ChannelUp)
	bob.signal.setState(domain.ChannelUp)

	bob.signal.deliver(alice.signal.sentOf(domain.MessageCallOffer)[0])
	alice.signal.deliver(bob.signal.sentOf(domain.MessageCallOffer)[0])

	alice.waitConnected(t)
	bob.waitConnected(t)
	assert.Equal(t, domain.RoleInitiator, alice.svc.View().Role)
	assert.Equal(t, domain.RoleResponder, bob.svc.View().Role)
}

func TestCallEndWhileConnectingDiscardsLateCompletions(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	bob := newParty(t, "bob", nil, nil, clk)
	gate := make(chan struct{})
	bob.media.gate = gate

	bob.signal.deliver(domain.NewCallOffer("alice", "bob", domain.CallVideo, ""))
	bob.waitState(t, domain.CallRingingIncoming)
	require.NoError(t, bob.svc.Accept(ctx))
	require.Eventually(t, func() bool { return bob.svc.View().Phase == domain.PhaseAcquiringMedia }, waitFor, tick)

	require.NoError(t, bob.svc.End(ctx))
	assert.Equal(t, domain.CallIdle, bob.svc.View().State)
	require.Eventually(t, func() bool { return bob.views.count(domain.CallIdle) >= 2 }, waitFor, tick)
	seen := bob.views.len()

	close(gate)
	require.Eventually(t, func() bool {
		s := bob.media.streams()
		return len(s) == 1 && s[0].closed.Load()
	}, waitFor, tick)
	clk.Add(time.Minute)

	assert.Never(t, func() bool { return bob.views.len() != seen }, 100*time.Millisecond, tick)
	assert.Equal(t, domain.CallIdle, bob.svc.View().State)
	assert.Empty(t, bob.transport.endpoints())
	assert.Len(t, bob.history.all(), 1)
}

func TestCallOutgoingRingTimesOut(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	alice := newParty(t, "alice", nil, nil, clk)

	require.NoError(t, alice.svc.Place(ctx, "bob", domain.CallAudio))
	clk.Add(DefaultRingTimeout)
	alice.waitState(t, domain.CallIdle)

	assert.Equal(t, "No answer", alice.svc.View().Diagnostic)
	assert.Len(t, alice.signal.sentOf(domain.MessageCallEnd), 1)
	assert.Equal(t, []domain.Outcome{domain.OutcomeCancelled}, alice.outcomes())
	assert.Empty(t, alice.media.streams())
}

func TestCallRemoteDeclines(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice", nil, nil, clock.NewMock())

	require.NoError(t, alice.svc.Place(ctx, "bob", domain.CallAudio))
	alice.signal.deliver(domain.NewCallReject("bob", "alice", "busy"))
	alice.waitState(t, domain.CallIdle)

	assert.Equal(t, "User is busy", alice.svc.View().Diagnostic)
	assert.Equal(t, []domain.Outcome{domain.OutcomeDeclined}, alice.outcomes())
}

func TestCallAnsweredElsewhere(t *testing.T) {
	bob := newParty(t, "bob", nil, nil, clock.NewMock())

	bob.signal.deliver(domain.NewCallOffer("alice", "bob", domain.CallAudio, ""))
	bob.waitState(t, domain.CallRingingIncoming)

	other := domain.NewCallIntent("bob", "alice", domain.CallAudio, domain.RoleResponder, time.Now())
	bob.store.external(port.StoreEvent{Kind: domain.IntentCurrent, Intent: &other})
	bob.waitState(t, domain.CallIdle)

	assert.Empty(t, bob.signal.sentOf(domain.MessageCallReject))
	assert.Empty(t, bob.history.all())
	assert.Empty(t, bob.media.streams())
}

func TestCallResumesCurrentCall(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice", nil, nil, clock.NewMock())

	intent := domain.NewCallIntent("alice", "bob", domain.CallAudio, domain.RoleResponder, time.Now())
	intent.RemoteAddress = "bob-ep-0"
	_, err := alice.store.Save(ctx, domain.IntentCurrent, intent)
	require.NoError(t, err)

	require.NoError(t, alice.svc.Resume(ctx))
	assert.Equal(t, domain.CallActive, alice.svc.View().State)
	alice.waitArmed(t, 1)
	assert.Empty(t, alice.signal.sentOf(domain.MessageCallAccept), "accept is not re-sent on resume")
	assert.Len(t, alice.signal.sentOf(domain.MessageIdentityAnnounce), 1)
}

func TestCallRejectsInvalidActions(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "alice", nil, nil, clock.NewMock())

	assert.ErrorIs(t, alice.svc.Place(ctx, "alice", domain.CallAudio), domain.ErrSelfCall)
	assert.ErrorIs(t, alice.svc.Place(ctx, "bob", "hologram"), domain.ErrInvalidCallKind)
	assert.ErrorIs(t, alice.svc.Accept(ctx), domain.ErrNoPendingCall)
	assert.ErrorIs(t, alice.svc.Retry(ctx), domain.ErrNothingToRetry)
	assert.NoError(t, alice.svc.End(ctx))
	_, err := alice.svc.ToggleMute()
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, alice.svc.Place(ctx, "bob", domain.CallAudio))
	assert.ErrorIs(t, alice.svc.Place(ctx, "carol", domain.CallAudio), domain.ErrInvalidTransition)
}

func TestCallMuteAndVideoToggle(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	relay, net := newFakeRelay(), newFakeNet()
	alice := newParty(t, "alice", relay, net, clk)
	bob := newParty(t, "bob", relay, net, clk)

	require.NoError(t, alice.svc.Place(ctx, "bob", domain.CallVideo))
	bob.waitState(t, domain.CallRingingIncoming)
	require.NoError(t, bob.svc.Accept(ctx))
	alice.waitConnected(t)

	muted, err := alice.svc.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	off, err := alice.svc.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, off)

	v := alice.svc.View()
	assert.True(t, v.Muted)
	assert.True(t, v.VideoOff)
	assert.True(t, alice.media.streams()[0].audioOff.Load())
}

func TestCallStoreWritesOutliveRequest(t *testing.T) {
	alice := newParty(t, "alice", nil, nil, clock.NewMock())
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, alice.svc.Place(canceled, "bob", domain.CallAudio))
	got, ok := alice.store.Read(context.Background(), domain.IntentOutgoing)
	require.True(t, ok, "outgoing intent saved despite the caller going away")
	assert.Equal(t, domain.UserID("bob"), got.RemoteUserID)

	require.NoError(t, alice.svc.End(canceled))
	assert.True(t, alice.store.empty())
}

func TestCallOfferOvertakenByItsEndIsDropped(t *testing.T) {
	ctx := context.Background()
	bob := newParty(t, "bob", nil, nil, clock.NewMock())
	sent := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	offer := domain.NewCallOffer("alice", "bob", domain.CallAudio, "")
	offer.DeliveredAt = sent
	end := domain.NewCallEnd("alice", "bob")
	end.DeliveredAt = sent.Add(time.Second)

	bob.signal.deliver(end)
	bob.signal.deliver(offer)
	assert.Equal(t, domain.CallIdle, bob.svc.View().State)
	_, ok := bob.store.Read(ctx, domain.IntentIncoming)
	assert.False(t, ok)

	again := domain.NewCallOffer("alice", "bob", domain.CallAudio, "")
	again.DeliveredAt = sent.Add(time.Minute)
	bob.signal.deliver(again)
	bob.waitState(t, domain.CallRingingIncoming)
}
