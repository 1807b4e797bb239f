package broadcast

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somnia-labs/wallet-guardian/internal/metrics"
)

func TestClient_SubscribeEnforcesMaxSubsPerConn(t *testing.T) {
	c := newClient(nil, nil)
	for i := 0; i < MaxSubsPerConn; i++ {
		ok := c.subscribe(walletFor(i))
		assert.True(t, ok)
	}
	assert.False(t, c.subscribe("0xOneTooMany"))
}

func TestClient_SubscribeIsIdempotent(t *testing.T) {
	c := newClient(nil, nil)
	assert.True(t, c.subscribe("0xW"))
	assert.True(t, c.subscribe("0xW"))
	assert.True(t, c.isSubscribed("0xW"))
}

func TestClient_Unsubscribe_ReportsPriorMembership(t *testing.T) {
	c := newClient(nil, nil)
	assert.False(t, c.unsubscribe("0xW"))
	c.subscribe("0xW")
	assert.True(t, c.unsubscribe("0xW"))
	assert.False(t, c.isSubscribed("0xW"))
}

func TestClient_RateLimiter_CapsWithinWindow(t *testing.T) {
	c := newClient(nil, nil)
	for i := 0; i < RateLimitMax; i++ {
		assert.True(t, c.allow())
	}
	assert.False(t, c.allow())
}

func TestClient_PruneWindow_DropsExpiredEntries(t *testing.T) {
	c := newClient(nil, nil)
	old := time.Now().Add(-RateLimitWindow - time.Second)
	c.window = []time.Time{old, old, time.Now()}
	c.pruneWindow(time.Now())
	assert.Len(t, c.window, 1)
}

func TestClient_IdleSince(t *testing.T) {
	c := newClient(nil, nil)
	c.lastActivity = time.Now().Add(-ConnectionTimeout - time.Second)
	assert.Greater(t, c.idleSince(), ConnectionTimeout)
}

func TestDecodeSubscribeFrame(t *testing.T) {
	data := map[string]any{"wallet": "0xABC", "sessionId": "s1"}
	out := decodeSubscribeFrame(data)
	assert.Equal(t, "0xABC", out.Wallet)
	assert.Equal(t, "s1", out.SessionID)
}

func TestDecodeSubscribeFrame_NilData(t *testing.T) {
	out := decodeSubscribeFrame(nil)
	assert.Equal(t, "", out.Wallet)
}

func TestEnvelope_HasRequiredFields(t *testing.T) {
	msg := envelope(TypeHeartbeat, map[string]any{"ok": true})
	assert.Equal(t, TypeHeartbeat, msg.Type)
	assert.Equal(t, ProtocolVersion, msg.Version)
	assert.NotEmpty(t, msg.ID)
	assert.Greater(t, msg.Timestamp, int64(0))
}

func walletFor(i int) string {
	return "0xwallet" + string(rune('a'+i%26)) + string(rune(i))
}

func upperNormalize(wallet string) (string, bool) {
	if wallet == "" {
		return "", false
	}
	return strings.ToUpper(wallet), true
}

func TestHandleSubscribe_StoresNormalizedAddress(t *testing.T) {
	c := newClient(nil, nil)
	c.handleSubscribe(Message{Data: map[string]any{"wallet": "0xabc"}}, upperNormalize)
	assert.True(t, c.isSubscribed("0XABC"))
}

func TestHandleUnsubscribe_NormalizesBeforeLookup(t *testing.T) {
	c := newClient(nil, nil)
	c.handleSubscribe(Message{Data: map[string]any{"wallet": "0xabc"}}, upperNormalize)
	require.True(t, c.isSubscribed("0XABC"))

	// Client unsubscribes using a differently-cased form of the same
	// address; normalization must map it back to the stored key.
	c.handleUnsubscribe(Message{Data: map[string]any{"wallet": "0xABC"}}, upperNormalize)
	assert.False(t, c.isSubscribed("0XABC"))
}

func TestHandleUnsubscribe_RejectsInvalidAddress(t *testing.T) {
	c := newClient(nil, nil)
	c.handleUnsubscribe(Message{Data: map[string]any{"wallet": ""}}, upperNormalize)
	// No panic and nothing to unsubscribe; the send buffer holds the error frame.
	assert.Len(t, c.send, 1)
}

func TestDeliver_IncrementsBroadcastMessagesTotal(t *testing.T) {
	hub := NewHub(nil)
	client := newClient(hub, nil)
	client.subscribe("0xWALLET")
	hub.clients[client] = true

	before := testutil.ToFloat64(metrics.BroadcastMessagesTotal.WithLabelValues(string(TypeScoreUpdate)))
	hub.deliver(routedMessage{wallet: "0xWALLET", msgType: TypeScoreUpdate, payload: []byte("{}")})
	after := testutil.ToFloat64(metrics.BroadcastMessagesTotal.WithLabelValues(string(TypeScoreUpdate)))

	assert.Equal(t, before+1, after)
}
