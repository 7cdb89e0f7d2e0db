package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/notify"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

type recorder struct {
	events []notify.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, event notify.Event) error {
	r.events = append(r.events, event)

	return r.err
}

func TestScopedTopic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ACME-PERF", notify.ScopedTopic("ACME", "PERF"))
}

func TestMulti_PublishesToAll(t *testing.T) {
	t.Parallel()

	failing := &recorder{err: errors.New("boom")}
	ok := &recorder{}

	m := notify.Multi{failing, ok}

	event := notify.Event{
		Topic:  notify.TopicRunningTest,
		Kind:   notify.KindRunningTest,
		Action: notify.ActionRemoved,
	}

	err := m.Publish(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.Len(t, failing.events, 1)
	require.Len(t, ok.events, 1, "a failing notifier must not block the rest")
	assert.Equal(t, event, ok.events[0])
}

func TestEvent_JSONEnvelope(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(notify.Event{
		Topic:   "ACME-PERF",
		Kind:    notify.KindTestRun,
		Action:  notify.ActionSaved,
		Payload: map[string]string{"testRunId": "RUN-1"},
	})
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"room":"ACME-PERF","type":"testrun","event":"saved","testrun":{"testRunId":"RUN-1"}}`,
		string(data))
}

func TestHub_SubscribeAndPublish(t *testing.T) {
	t.Parallel()

	hub := notify.NewHub(testLogger(), 4)
	ctx := context.Background()

	scoped := hub.Subscribe("ACME-PERF")
	other := hub.Subscribe("OTHER-DASH")

	assert.Equal(t, 1, hub.Subscribers("ACME-PERF"))

	require.NoError(t, hub.Publish(ctx, notify.Event{
		Topic: "ACME-PERF", Kind: notify.KindTestRun, Action: notify.ActionSaved,
	}))

	select {
	case ev := <-scoped.Events:
		assert.Equal(t, notify.ActionSaved, ev.Action)
	case <-time.After(time.Second):
		t.Fatal("expected event on subscribed topic")
	}

	select {
	case ev := <-other.Events:
		t.Fatalf("unexpected event on other topic: %+v", ev)
	default:
	}

	scoped.Close()
	assert.Equal(t, 0, hub.Subscribers("ACME-PERF"))

	_, open := <-scoped.Events
	assert.False(t, open, "closing a subscription closes its channel")

	// Closing twice is harmless.
	scoped.Close()
	other.Close()
}

func TestHub_SlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()

	hub := notify.NewHub(testLogger(), 1)
	sub := hub.Subscribe(notify.TopicRecentTest)

	defer sub.Close()

	ev := notify.Event{Topic: notify.TopicRecentTest}

	require.NoError(t, hub.Publish(context.Background(), ev))
	require.NoError(t, hub.Publish(context.Background(), ev))

	assert.Len(t, sub.Events, 1)
}

func TestRedisNotifier_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	n := notify.NewRedisNotifier(testLogger(), &config.RedisNotifierConfig{
		Address:       mr.Addr(),
		ChannelPrefix: "runwatch",
	})
	t.Cleanup(func() { _ = n.Close() })

	require.NoError(t, n.Ping(ctx))
	assert.Equal(t, "runwatch:ACME-PERF", n.Channel("ACME-PERF"))

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()}).
		Subscribe(ctx, "runwatch:ACME-PERF")
	t.Cleanup(func() { _ = sub.Close() })

	// Wait for the subscription confirmation before publishing.
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Publish(ctx, notify.Event{
		Topic:   "ACME-PERF",
		Kind:    notify.KindRunningTest,
		Action:  notify.ActionRemoved,
		Payload: map[string]string{"testRunId": "RUN-1"},
	}))

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "ACME-PERF", got["room"])
	assert.Equal(t, "runningTest", got["type"])
	assert.Equal(t, "removed", got["event"])
}

func TestRedisNotifier_PublishFailsWhenUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)

	n := notify.NewRedisNotifier(testLogger(), &config.RedisNotifierConfig{
		Address: mr.Addr(),
	})
	t.Cleanup(func() { _ = n.Close() })

	mr.SetError("ERR server unavailable")

	err := n.Publish(context.Background(), notify.Event{Topic: "x"})
	assert.Error(t, err)
}
