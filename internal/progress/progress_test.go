package progress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Publish(_ context.Context, _ string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestEmitterMonotonicAndOnce(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := NewEmitter(sink, "sess", "task-1", nil)

	assert.True(t, e.Emit(ctx, Checkpoint{Name: "start", Progress: 0}))
	assert.True(t, e.Emit(ctx, Checkpoint{Name: "schema", Progress: 10}))
	assert.False(t, e.Emit(ctx, Checkpoint{Name: "schema", Progress: 10}))
	assert.False(t, e.Emit(ctx, Checkpoint{Name: "late", Progress: 5}))
	assert.True(t, e.Emit(ctx, Checkpoint{Name: "cleanup", Progress: 70}))

	require.Len(t, sink.events, 3)
	for i := 1; i < len(sink.events); i++ {
		assert.Greater(t, sink.events[i].Progress, sink.events[i-1].Progress)
	}
}

func TestEmitterBandsKeepRetriesIncreasing(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	checkpoints := []Checkpoint{
		{Name: "start", Progress: 0}, {Name: "schema", Progress: 10},
		{Name: "run", Progress: 60}, {Name: "cleanup", Progress: 70},
	}
	first := NewEmitter(sink, "sess", "task-1", nil).Band(0, 50)
	second := NewEmitter(sink, "sess", "task-1", nil).Band(50, 100)
	for _, cp := range checkpoints {
		first.Emit(ctx, cp)
	}
	for _, cp := range checkpoints {
		second.Emit(ctx, cp)
	}

	var got []int
	for _, ev := range sink.events {
		got = append(got, ev.Progress)
	}
	assert.Equal(t, []int{0, 5, 30, 35, 50, 55, 80, 85}, got)
}

func TestEmitterFinishExactlyOnce(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	e := NewEmitter(sink, "sess", "task-1", nil)

	assert.True(t, e.Finish(ctx, false, "extraction failed"))
	assert.False(t, e.Finish(ctx, true, "done"))
	assert.False(t, e.Emit(ctx, Checkpoint{Name: "after", Progress: 99}))

	require.Len(t, sink.events, 1)
	assert.True(t, sink.events[0].Done)
	assert.Equal(t, StatusFailure, sink.events[0].StatusCode)
}

func TestEmitterSwallowsSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	e := NewEmitter(sink, "sess", "task-1", nil)
	assert.True(t, e.Emit(context.Background(), Checkpoint{Name: "start", Progress: 0}))
}

func TestNilEmitterIsSafe(t *testing.T) {
	var e *Emitter
	assert.False(t, e.Emit(context.Background(), Checkpoint{Name: "start"}))
	assert.False(t, e.Finish(context.Background(), true, ""))
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSSinkPublishesOnSessionSubject(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sink := NewNATSSink(nc, "atlas.progress.")
	assert.Equal(t, "atlas.progress.a_b_", sink.Subject("a.b*"))

	sub, err := nc.SubscribeSync("atlas.progress.session-1")
	require.NoError(t, err)

	require.NoError(t, sink.Publish(context.Background(), "session-1", Event{TaskID: "t1", Progress: 20, Message: "run started"}))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "t1", ev.TaskID)
	assert.Equal(t, 20, ev.Progress)
	assert.False(t, ev.Done)
}
