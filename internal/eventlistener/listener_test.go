package eventlistener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ronappleton/flowengine/internal/workflow"
)

type dispatched struct {
	name string
	data workflow.Values
}

type fakeDispatcher struct {
	calls chan dispatched
	err   error
}

func (d *fakeDispatcher) TriggerEvent(_ context.Context, name string, data workflow.Values) ([]workflow.ExecutionResult, error) {
	d.calls <- dispatched{name: name, data: data}
	return nil, d.err
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"type":"order.created","payload":{"order_id":"o-1","total":12.5}}`))
	require.NoError(t, err)
	assert.Equal(t, "order.created", env.Type)
	assert.True(t, env.Payload["order_id"].Equal(workflow.String("o-1")))
	assert.True(t, env.Payload["total"].Equal(workflow.Number(12.5)))

	env, err = decodeEnvelope([]byte(`{"event_type":"invoice.paid","invoice":"inv-9"}`))
	require.NoError(t, err)
	assert.Equal(t, "invoice.paid", env.Type)
	assert.True(t, env.Payload["invoice"].Equal(workflow.String("inv-9")))

	for _, raw := range []string{``, `not json`, `{"payload":{}}`, `{"type":""}`} {
		_, err := decodeEnvelope([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestListener_DispatchesPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	d := &fakeDispatcher{calls: make(chan dispatched, 4)}
	l := New(client, "flowengine.events", d, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("flowengine.events")["flowengine.events"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	mr.Publish("flowengine.events", `garbage`)
	mr.Publish("flowengine.events", `{"type":"order.created","payload":{"order_id":"o-7"}}`)

	select {
	case call := <-d.calls:
		assert.Equal(t, "order.created", call.name)
		assert.True(t, call.data["order_id"].Equal(workflow.String("o-7")))
	case <-time.After(2 * time.Second):
		t.Fatal("event was not dispatched")
	}
}

func TestListener_DispatchErrorIsNotFatal(t *testing.T) {
	d := &fakeDispatcher{calls: make(chan dispatched, 2), err: errors.New("store down")}
	l := New(nil, "unused", d, zaptest.NewLogger(t))

	l.handle(context.Background(), `{"type":"a"}`)
	l.handle(context.Background(), `{"type":"b"}`)
	assert.Len(t, d.calls, 2)
}
