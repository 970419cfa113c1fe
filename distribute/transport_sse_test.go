package distribute

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStreamTransportSend(t *testing.T) {
	assert := assert.New(t)

	recorder := httptest.NewRecorder()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := GetStreamTransport(recorder, recorder, cancel)

	assert.Equal(TransportStream, uut.Kind())

	now := time.Date(2022, 6, 15, 12, 0, 0, 0, time.UTC)
	event := WireEvent{Type: WireStateChange, MatchID: "match-0", Timestamp: now}
	assert.True(uut.Send(event))

	// The frame is the serialized event behind a data prefix, blank line
	// terminated
	serialized, err := json.Marshal(&event)
	assert.Nil(err)
	assert.Equal(fmt.Sprintf("data: %s\n\n", serialized), recorder.Body.String())
	assert.True(recorder.Flushed)
}

func TestStreamTransportKeepAlive(t *testing.T) {
	assert := assert.New(t)

	recorder := httptest.NewRecorder()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := GetStreamTransport(recorder, recorder, cancel)

	assert.True(uut.SendKeepAlive())
	// Comment frames must not look like events to the client parser
	assert.True(strings.HasPrefix(recorder.Body.String(), ":"))
	assert.True(strings.HasSuffix(recorder.Body.String(), "\n\n"))
}

func TestStreamTransportFinalize(t *testing.T) {
	assert := assert.New(t)

	recorder := httptest.NewRecorder()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := GetStreamTransport(recorder, recorder, cancel)

	uut.Finalize()
	assert.False(uut.Send(WireEvent{Type: WireStateChange, MatchID: "match-0"}))
	assert.False(uut.SendKeepAlive())
	assert.Empty(recorder.Body.String())
}

func TestStreamTransportClose(t *testing.T) {
	assert := assert.New(t)

	recorder := httptest.NewRecorder()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := GetStreamTransport(recorder, recorder, cancel)

	uut.Close("test over")
	// Close ends the serving handler's context and fails later sends
	select {
	case <-ctxt.Done():
	default:
		assert.FailNow("close did not end the session context")
	}
	assert.False(uut.Send(WireEvent{Type: WireStateChange, MatchID: "match-0"}))
}
