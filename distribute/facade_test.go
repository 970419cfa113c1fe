package distribute

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeEventSource a LifecycleEventSource the test feeds by hand
type fakeEventSource struct {
	handler DomainEventHandler
}

func (s *fakeEventSource) RegisterHandler(handler DomainEventHandler) error {
	s.handler = handler
	return nil
}

func (s *fakeEventSource) emit(event DomainEvent) {
	s.handler(event)
}

// fakeStateReader a MatchStateReader backed by a fixed map
type fakeStateReader struct {
	states map[string]*MatchState
	err    error
}

func (r *fakeStateReader) GetMatchState(
	_ context.Context, matchID string,
) (*MatchState, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.states[matchID], nil
}

// fakeBridge a BrokerBridge recording every relay request
type fakeBridge struct {
	lock         sync.Mutex
	published    []WireEvent
	unsubscribed bool
}

func (b *fakeBridge) Subscribe(_ string)   {}
func (b *fakeBridge) Unsubscribe(_ string) {}

func (b *fakeBridge) UnsubscribeAll() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.unsubscribed = true
}

func (b *fakeBridge) Publish(_ string, event WireEvent) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.published = append(b.published, event)
	return nil
}

func (b *fakeBridge) relayed() []WireEvent {
	b.lock.Lock()
	defer b.lock.Unlock()
	result := make([]WireEvent, len(b.published))
	copy(result, b.published)
	return result
}

// fakeCountdown a CountdownScheduler recording start / stop requests
type fakeCountdown struct {
	lock    sync.Mutex
	started map[string]time.Time
	stopped []string
	stopAll bool
}

func newFakeCountdown() *fakeCountdown {
	return &fakeCountdown{started: make(map[string]time.Time)}
}

func (c *fakeCountdown) Start(matchID string, endAt time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.started[matchID] = endAt
}

func (c *fakeCountdown) Stop(matchID string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.stopped = append(c.stopped, matchID)
}

func (c *fakeCountdown) StopAll() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.stopAll = true
}

func (c *fakeCountdown) IsRunning(matchID string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, ok := c.started[matchID]
	return ok
}

func (c *fakeCountdown) startedAt(matchID string) (time.Time, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	endAt, ok := c.started[matchID]
	return endAt, ok
}

func (c *fakeCountdown) stoppedMatches() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]string, len(c.stopped))
	copy(result, c.stopped)
	return result
}

type distributorTestFixture struct {
	uut       Distributor
	registry  ConnectionRegistry
	bridge    *fakeBridge
	countdown *fakeCountdown
	source    *fakeEventSource
	states    *fakeStateReader
	clock     *manualClock
	cleanup   func()
}

func newDistributorTestFixture(t *testing.T) *distributorTestFixture {
	assert := assert.New(t)
	wg := &sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())

	registry, err := GetConnectionRegistry()
	assert.Nil(err)
	bridge := &fakeBridge{}
	countdown := newFakeCountdown()
	source := &fakeEventSource{}
	states := &fakeStateReader{states: make(map[string]*MatchState)}
	clock := &manualClock{now: time.Date(2022, 6, 15, 12, 0, 0, 0, time.UTC)}

	uut, err := GetDistributor(ctxt, DistributorParams{
		Registry:    registry,
		Bridge:      bridge,
		Countdown:   countdown,
		EventSource: source,
		StateReader: states,
		Clock:       clock,
		EventBuffer: 8,
	}, wg)
	assert.Nil(err)
	assert.NotNil(source.handler)

	return &distributorTestFixture{
		uut:       uut,
		registry:  registry,
		bridge:    bridge,
		countdown: countdown,
		source:    source,
		states:    states,
		clock:     clock,
		cleanup: func() {
			cancel()
			wg.Wait()
		},
	}
}

func TestDistributorConnect(t *testing.T) {
	assert := assert.New(t)

	fixture := newDistributorTestFixture(t)
	defer fixture.cleanup()

	fixture.states.states["match-0"] = &MatchState{
		Status: "pending",
		Participants: []MatchParticipant{
			{UserID: "user-1", DisplayName: "Someone", Ready: true},
		},
	}

	// Case 0: connect to a known match
	{
		transport := newCaptureTransport()
		conn, err := fixture.uut.Connect(context.Background(), transport, "match-0", "user-0")
		assert.Nil(err)
		assert.NotNil(conn)
		assert.Equal(1, fixture.registry.CountFor("match-0"))
		received := transport.received()
		assert.Len(received, 1)
		assert.Equal(WireConnected, received[0].Type)
		assert.Equal("pending", received[0].Data["status"])

		fixture.uut.Disconnect(conn)
		assert.Equal(0, fixture.registry.CountFor("match-0"))
	}

	// Case 1: connect to an unknown match sends an error without registering
	{
		transport := newCaptureTransport()
		conn, err := fixture.uut.Connect(context.Background(), transport, "match-9", "user-0")
		assert.Nil(err)
		assert.NotNil(conn)
		assert.Equal(0, fixture.registry.CountFor("match-9"))
		received := transport.received()
		assert.Len(received, 1)
		assert.Equal(WireError, received[0].Type)
	}

	// Case 2: missing IDs are rejected
	{
		transport := newCaptureTransport()
		_, err := fixture.uut.Connect(context.Background(), transport, "", "user-0")
		assert.NotNil(err)
		_, err = fixture.uut.Connect(context.Background(), transport, "match-0", "")
		assert.NotNil(err)
	}

	// Case 3: a connection whose greeting fails is not left registered
	{
		transport := newCaptureTransport()
		transport.setAccept(false)
		_, err := fixture.uut.Connect(context.Background(), transport, "match-0", "user-0")
		assert.Nil(err)
		assert.Equal(0, fixture.registry.CountFor("match-0"))
	}

	// Case 4: disconnect of nil is a no-op
	{
		fixture.uut.Disconnect(nil)
	}
}

func TestDistributorDomainEventRelay(t *testing.T) {
	assert := assert.New(t)

	fixture := newDistributorTestFixture(t)
	defer fixture.cleanup()

	fixture.source.emit(DomainEvent{
		Type:    DomainParticipantJoined,
		MatchID: "match-0",
		Data:    map[string]interface{}{"userId": "user-1"},
	})

	assert.Eventually(func() bool {
		return len(fixture.bridge.relayed()) == 1
	}, time.Second, time.Millisecond*10)
	relayed := fixture.bridge.relayed()
	assert.Equal(WireParticipantJoined, relayed[0].Type)
	assert.Equal("match-0", relayed[0].MatchID)
	assert.Equal("user-1", relayed[0].Data["userId"])
}

func TestDistributorCountdownTriggers(t *testing.T) {
	assert := assert.New(t)

	fixture := newDistributorTestFixture(t)
	defer fixture.cleanup()

	endAt := fixture.clock.Now().Add(time.Minute * 30)

	// Case 0: match start begins the countdown, endAt as RFC3339 text
	{
		fixture.source.emit(DomainEvent{
			Type:    DomainMatchStarted,
			MatchID: "match-0",
			Data:    map[string]interface{}{"endAt": endAt.Format(time.RFC3339)},
		})
		assert.Eventually(func() bool {
			started, ok := fixture.countdown.startedAt("match-0")
			return ok && started.Equal(endAt)
		}, time.Second, time.Millisecond*10)
	}

	// Case 1: endAt as epoch milliseconds, the shape JSON decoding produces
	{
		fixture.source.emit(DomainEvent{
			Type:    DomainMatchStarted,
			MatchID: "match-1",
			Data:    map[string]interface{}{"endAt": float64(endAt.UnixMilli())},
		})
		assert.Eventually(func() bool {
			started, ok := fixture.countdown.startedAt("match-1")
			return ok && started.Equal(endAt)
		}, time.Second, time.Millisecond*10)
	}

	// Case 2: match start without a usable deadline starts nothing
	{
		fixture.source.emit(DomainEvent{
			Type:    DomainMatchStarted,
			MatchID: "match-2",
		})
		assert.Eventually(func() bool {
			return len(fixture.bridge.relayed()) == 3
		}, time.Second, time.Millisecond*10)
		_, ok := fixture.countdown.startedAt("match-2")
		assert.False(ok)
	}

	// Case 3: terminal events stop the countdown unconditionally
	{
		for i, domainType := range []string{
			DomainSubmissionsLocked, DomainMatchFinalized, DomainMatchCancelled,
		} {
			fixture.source.emit(DomainEvent{Type: domainType, MatchID: "match-0"})
			expected := i + 1
			assert.Eventually(func() bool {
				return len(fixture.countdown.stoppedMatches()) == expected
			}, time.Second, time.Millisecond*10)
		}
		assert.Equal(
			[]string{"match-0", "match-0", "match-0"}, fixture.countdown.stoppedMatches(),
		)
	}
}

func TestDistributorShutdown(t *testing.T) {
	assert := assert.New(t)

	fixture := newDistributorTestFixture(t)
	defer fixture.cleanup()

	fixture.states.states["match-0"] = &MatchState{Status: "in_progress"}
	transport := newCaptureTransport()
	_, err := fixture.uut.Connect(context.Background(), transport, "match-0", "user-0")
	assert.Nil(err)

	fixture.uut.Shutdown()
	assert.True(transport.wasClosed())
	assert.Equal(0, fixture.registry.CountFor("match-0"))
	assert.True(fixture.countdown.stopAll)
	assert.True(fixture.bridge.unsubscribed)
}

func TestMatchEndFromPayload(t *testing.T) {
	assert := assert.New(t)

	reference := time.Date(2022, 6, 15, 13, 30, 0, 0, time.UTC)

	// RFC3339 text
	parsed, err := matchEndFromPayload(map[string]interface{}{
		"endAt": reference.Format(time.RFC3339),
	})
	assert.Nil(err)
	assert.True(parsed.Equal(reference))

	// Epoch milliseconds
	parsed, err = matchEndFromPayload(map[string]interface{}{
		"endAt": float64(reference.UnixMilli()),
	})
	assert.Nil(err)
	assert.True(parsed.Equal(reference))

	// Missing or malformed
	_, err = matchEndFromPayload(map[string]interface{}{})
	assert.NotNil(err)
	_, err = matchEndFromPayload(map[string]interface{}{"endAt": "not a timestamp"})
	assert.NotNil(err)
	_, err = matchEndFromPayload(map[string]interface{}{"endAt": true})
	assert.NotNil(err)
}
