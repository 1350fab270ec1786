package realtime_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportive/synckit/internal/fakeserver"
	"github.com/reportive/synckit/pkg/auth"
	"github.com/reportive/synckit/pkg/realtime"
)

func fastConfig(url string) realtime.Config {
	return realtime.Config{
		URL:                  url,
		PingInterval:         20 * time.Millisecond,
		PongTimeout:          40 * time.Millisecond,
		ReconnectBase:        10 * time.Millisecond,
		ReconnectDecay:       2,
		ReconnectMax:         50 * time.Millisecond,
		MaxReconnectAttempts: 5,
		SendQueueSize:        3,
	}
}

func TestConnectAndSend(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	ch := realtime.New(fastConfig(srv.URL()))
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, realtime.StateConnected, ch.State())

	status := ch.SendMessage(realtime.TypeUserTyping, realtime.PresencePayload{UserID: "u1"})
	assert.Equal(t, realtime.SendSent, status)

	require.Eventually(t, func() bool {
		return len(srv.ReceivedOfType(realtime.TypeUserTyping)) == 1
	}, time.Second, 5*time.Millisecond)

	msg := srv.ReceivedOfType(realtime.TypeUserTyping)[0]
	assert.NotEmpty(t, msg.ID)
	assert.NotZero(t, msg.Timestamp)
}

func TestAuthAndSubscriptionsReplayOnConnect(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	tokens := auth.NewTokenSource()
	tokens.Set("opaque-token")

	ch := realtime.New(fastConfig(srv.URL()), realtime.WithTokenSource(tokens))
	defer ch.Close()

	// Subscribed before connecting: queued, then replayed.
	ch.Subscribe("reports:42")

	require.NoError(t, ch.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return len(srv.ReceivedOfType(realtime.TypeAuth)) == 1 &&
			len(srv.ReceivedOfType(realtime.TypeSubscribe)) >= 1
	}, time.Second, 5*time.Millisecond)

	var ap realtime.AuthPayload
	require.NoError(t, json.Unmarshal(srv.ReceivedOfType(realtime.TypeAuth)[0].Payload, &ap))
	assert.Equal(t, "opaque-token", ap.Token)

	var tp realtime.TopicPayload
	require.NoError(t, json.Unmarshal(srv.ReceivedOfType(realtime.TypeSubscribe)[0].Payload, &tp))
	assert.Equal(t, "reports:42", tp.Topic)
}

func TestSendWhileDisconnectedQueuesAndFlushes(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	ch := realtime.New(fastConfig(srv.URL()))
	defer ch.Close()

	status := ch.SendMessage(realtime.TypeUserTyping, realtime.PresencePayload{UserID: "u1"})
	assert.Equal(t, realtime.SendQueued, status)
	assert.Equal(t, 1, ch.Metrics().QueuedMessages)

	require.NoError(t, ch.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return len(srv.ReceivedOfType(realtime.TypeUserTyping)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, ch.Metrics().QueuedMessages)
}

func TestSendQueueDropsOldestPastCapacity(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	cfg := fastConfig(srv.URL())
	cfg.SendQueueSize = 2
	ch := realtime.New(cfg)
	defer ch.Close()

	ch.SendMessage(realtime.TypeUserTyping, realtime.PresencePayload{UserID: "u1"})
	ch.SendMessage(realtime.TypeUserTyping, realtime.PresencePayload{UserID: "u2"})
	ch.SendMessage(realtime.TypeUserTyping, realtime.PresencePayload{UserID: "u3"})

	assert.Equal(t, 2, ch.Metrics().QueuedMessages)

	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return len(srv.ReceivedOfType(realtime.TypeUserTyping)) == 2
	}, time.Second, 5*time.Millisecond)

	var first realtime.PresencePayload
	require.NoError(t, json.Unmarshal(srv.ReceivedOfType(realtime.TypeUserTyping)[0].Payload, &first))
	assert.Equal(t, "u2", first.UserID, "oldest message was dropped")
}

func TestOversizedPayloadRejectedSynchronously(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	cfg := fastConfig(srv.URL())
	cfg.MaxPayloadBytes = 64
	ch := realtime.New(cfg)
	defer ch.Close()

	big := realtime.PresencePayload{UserID: strings.Repeat("x", 200)}
	assert.Equal(t, realtime.SendRejected, ch.SendMessage(realtime.TypeUserTyping, big))
	assert.Zero(t, ch.Metrics().QueuedMessages)
}

func TestInboundMessagesRouteToTypedHandlers(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	ch := realtime.New(fastConfig(srv.URL()))
	defer ch.Close()

	updates := make(chan realtime.Message, 1)
	ch.OnMessage(realtime.TypeUpdate, func(msg realtime.Message) {
		updates <- msg
	})
	unknown := make(chan realtime.Message, 1)
	ch.OnUnhandled(func(msg realtime.Message) {
		unknown <- msg
	})

	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool { return srv.ConnCount() == 1 }, time.Second, 5*time.Millisecond)

	payload, _ := json.Marshal(realtime.DataChange{Entity: "metrics", RecordID: "m1"})
	srv.Broadcast(realtime.Message{Type: realtime.TypeUpdate, Payload: payload, Timestamp: 1, ID: "a"})
	srv.Broadcast(realtime.Message{Type: "custom_app_event", Timestamp: 2, ID: "b"})

	select {
	case msg := <-updates:
		var dc realtime.DataChange
		require.NoError(t, json.Unmarshal(msg.Payload, &dc))
		assert.Equal(t, "metrics", dc.Entity)
	case <-time.After(time.Second):
		t.Fatal("update handler never fired")
	}

	select {
	case msg := <-unknown:
		assert.Equal(t, realtime.MessageType("custom_app_event"), msg.Type)
	case <-time.After(time.Second):
		t.Fatal("unhandled fallback never fired")
	}
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	ch := realtime.New(fastConfig(srv.URL()))
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return len(srv.ReceivedOfType(realtime.TypePing)) >= 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, realtime.StateConnected, ch.State())
	assert.Equal(t, 1, srv.Accepted(), "no reconnect while pongs flow")
}

func TestPongTimeoutForcesReconnect(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	ch := realtime.New(fastConfig(srv.URL()))
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool { return srv.ConnCount() == 1 }, time.Second, 5*time.Millisecond)

	srv.SetAutoPong(false)

	// The unanswered ping trips the watchdog, the connection is
	// force-closed, and the channel dials again.
	require.Eventually(t, func() bool {
		return srv.Accepted() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	srv.SetAutoPong(true)
	require.Eventually(t, func() bool {
		return ch.State() == realtime.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	ch := realtime.New(fastConfig(srv.URL()))
	defer ch.Close()

	ch.Subscribe("reports:42")
	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool { return srv.ConnCount() == 1 }, time.Second, 5*time.Millisecond)

	srv.DropConnections()

	require.Eventually(t, func() bool {
		return srv.Accepted() == 2 && ch.State() == realtime.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	// The subscription was replayed on the new connection.
	require.Eventually(t, func() bool {
		return len(srv.ReceivedOfType(realtime.TypeSubscribe)) >= 2
	}, time.Second, 5*time.Millisecond)

	assert.Zero(t, ch.Metrics().ReconnectAttempts, "attempt counter resets on success")
}

func TestReconnectGivesUpAfterAttemptCap(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	cfg := fastConfig(srv.URL())
	cfg.MaxReconnectAttempts = 2
	ch := realtime.New(cfg)
	defer ch.Close()

	srv.Refuse(true)

	err := ch.Connect(context.Background())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return ch.State() == realtime.StateError
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh Connect clears the error state and tries again.
	srv.Refuse(false)
	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, realtime.StateConnected, ch.State())
}

func TestCloseIsTerminal(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	ch := realtime.New(fastConfig(srv.URL()))
	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.Close())

	assert.Equal(t, realtime.StateClosed, ch.State())
	assert.Equal(t, realtime.SendRejected,
		ch.SendMessage(realtime.TypeUserTyping, realtime.PresencePayload{UserID: "u1"}))
	require.ErrorIs(t, ch.Connect(context.Background()), realtime.ErrClosed)

	// No reconnect after an explicit close.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.Accepted())
}

func TestBackoffDelayIsBoundedAndIncreasing(t *testing.T) {
	cfg := fastConfig("ws://unused")
	// The reconnect schedule is delay(n) = min(base * decay^(n-1), max).
	base := cfg.ReconnectBase
	prev := time.Duration(0)
	for n := 1; n <= 10; n++ {
		d := time.Duration(float64(base) * pow(cfg.ReconnectDecay, n-1))
		if d > cfg.ReconnectMax {
			d = cfg.ReconnectMax
		}
		assert.LessOrEqual(t, d, cfg.ReconnectMax)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
