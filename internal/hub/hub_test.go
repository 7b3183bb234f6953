package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(reply string) Handler {
	return func(ctx context.Context, msg *Message) (*Message, error) {
		return NewMessage("reply", reply), nil
	}
}

func testBundle(name, version string, defs ...EndpointDef) Bundle {
	return Bundle{Name: name, Version: version, Endpoints: defs}
}

func procDef(id string, caps ...string) EndpointDef {
	return EndpointDef{
		Kind:         KindProcess,
		ID:           id,
		Capabilities: caps,
		Handler:      echoHandler("ok"),
	}
}

func TestRegister_AllOrNothing(t *testing.T) {
	h := New()
	defer h.Close()

	require.NoError(t, h.Register(testBundle("alpha", "1.0", procDef("shared"))))

	// A foreign bundle colliding on one endpoint registers nothing at all.
	err := h.Register(testBundle("beta", "1.0", procDef("fresh"), procDef("shared")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateEndpoint))

	var dup *DuplicateEndpointError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "process.shared", dup.EndpointID)
	assert.Equal(t, "alpha", dup.OwnerBundle)

	_, ok := h.Lookup("process.fresh")
	assert.False(t, ok)
}

func TestRegister_IdempotentSameVersion(t *testing.T) {
	h := New()
	defer h.Close()

	b := testBundle("alpha", "1.0", procDef("a"))
	require.NoError(t, h.Register(b))
	require.NoError(t, h.Register(b))
	assert.Len(t, h.Endpoints(), 1)
}

func TestRegister_NewVersionReplaces(t *testing.T) {
	h := New()
	defer h.Close()

	require.NoError(t, h.Register(testBundle("alpha", "1.0", procDef("a"), procDef("b"))))
	require.NoError(t, h.Register(testBundle("alpha", "2.0", procDef("a"))))

	_, ok := h.Lookup("process.a")
	assert.True(t, ok)
	_, ok = h.Lookup("process.b")
	assert.False(t, ok)
}

func TestSend_TargetedDeliversExactlyOne(t *testing.T) {
	h := New()
	defer h.Close()

	var mu sync.Mutex
	hits := make(map[string]int)
	counting := func(id string) Handler {
		return func(ctx context.Context, msg *Message) (*Message, error) {
			mu.Lock()
			hits[id]++
			mu.Unlock()
			return nil, nil
		}
	}

	require.NoError(t, h.Register(Bundle{
		Name:    "workers",
		Version: "1.0",
		Endpoints: []EndpointDef{
			{Kind: KindProcess, ID: "w1", Capabilities: []string{"task"}, Handler: counting("w1")},
			{Kind: KindProcess, ID: "w2", Capabilities: []string{"task"}, Handler: counting("w2")},
		},
	}))

	msg := NewMessage("task", "payload").WithTarget("process.w1")
	d, err := h.Send(context.Background(), msg, SendOptions{Blocking: true})
	require.NoError(t, err)
	require.NoError(t, d.Err())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits["w1"])
	assert.Zero(t, hits["w2"])
}

func TestSend_TargetedMissingEndpoint(t *testing.T) {
	h := New()
	defer h.Close()

	msg := NewMessage("task", nil).WithTarget("process.ghost")
	_, err := h.Send(context.Background(), msg, SendOptions{Blocking: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRouting))
}

func TestSend_BroadcastByCapability(t *testing.T) {
	h := New()
	defer h.Close()

	require.NoError(t, h.Register(testBundle("b", "1.0",
		procDef("match1", "task", "report"),
		procDef("match2", "task"),
		procDef("other", "report"),
	)))

	d, err := h.Send(context.Background(), NewMessage("task", nil), SendOptions{Blocking: true})
	require.NoError(t, err)
	assert.Equal(t, 2, d.Recipients())
}

func TestSend_BroadcastZeroRecipients(t *testing.T) {
	h := New()
	defer h.Close()

	d, err := h.Send(context.Background(), NewMessage("nobody-cares", nil), SendOptions{Blocking: true})
	require.NoError(t, err)
	assert.Zero(t, d.Recipients())
	assert.Empty(t, d.Results())
}

func TestSend_HandlerFailureIsolation(t *testing.T) {
	h := New()
	defer h.Close()

	delivered := make(chan string, 2)
	require.NoError(t, h.Register(Bundle{
		Name:    "b",
		Version: "1.0",
		Endpoints: []EndpointDef{
			{Kind: KindProcess, ID: "bad", Capabilities: []string{"task"},
				Handler: func(ctx context.Context, msg *Message) (*Message, error) {
					return nil, fmt.Errorf("boom")
				}},
			{Kind: KindProcess, ID: "good", Capabilities: []string{"task"},
				Handler: func(ctx context.Context, msg *Message) (*Message, error) {
					delivered <- msg.ID
					return nil, nil
				}},
		},
	}))

	d, err := h.Send(context.Background(), NewMessage("task", nil), SendOptions{Blocking: true})
	require.NoError(t, err)

	// The failing handler does not block its sibling.
	assert.Len(t, delivered, 1)
	require.Error(t, d.Err())
	assert.Contains(t, d.Err().Error(), "boom")
}

func TestSend_HandlerPanicCaptured(t *testing.T) {
	h := New()
	defer h.Close()

	require.NoError(t, h.Register(Bundle{
		Name:    "b",
		Version: "1.0",
		Endpoints: []EndpointDef{
			{Kind: KindProcess, ID: "p", Capabilities: []string{"task"},
				Handler: func(ctx context.Context, msg *Message) (*Message, error) {
					panic("unexpected state")
				}},
		},
	}))

	d, err := h.Send(context.Background(), NewMessage("task", nil), SendOptions{Blocking: true})
	require.NoError(t, err)

	results := d.Results()
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Err, "handler panic")
}

func TestSend_NonBlockingDeliveryHandle(t *testing.T) {
	h := New()
	defer h.Close()

	release := make(chan struct{})
	require.NoError(t, h.Register(Bundle{
		Name:    "b",
		Version: "1.0",
		Endpoints: []EndpointDef{
			{Kind: KindProcess, ID: "slow", Capabilities: []string{"task"},
				Handler: func(ctx context.Context, msg *Message) (*Message, error) {
					<-release
					return NewMessage("reply", "late"), nil
				}},
		},
	}))

	d, err := h.Send(context.Background(), NewMessage("task", nil), SendOptions{})
	require.NoError(t, err)

	select {
	case <-d.Done():
		t.Fatal("delivery settled before handler ran")
	default:
	}

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	results, err := d.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK())
}

func TestSend_TargetedOrderPreserved(t *testing.T) {
	h := New()
	defer h.Close()

	var mu sync.Mutex
	var seen []string
	require.NoError(t, h.Register(Bundle{
		Name:    "b",
		Version: "1.0",
		Endpoints: []EndpointDef{
			{Kind: KindProcess, ID: "serial", Capabilities: nil,
				Handler: func(ctx context.Context, msg *Message) (*Message, error) {
					var n string
					if err := msg.UnmarshalPayload(&n); err != nil {
						return nil, err
					}
					mu.Lock()
					seen = append(seen, n)
					mu.Unlock()
					return nil, nil
				}},
		},
	}))

	var last *Delivery
	for i := 0; i < 20; i++ {
		msg := NewMessage("task", fmt.Sprintf("%d", i)).WithTarget("process.serial")
		d, err := h.Send(context.Background(), msg, SendOptions{})
		require.NoError(t, err)
		last = d
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := last.Wait(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 20)
	for i, n := range seen {
		assert.Equal(t, fmt.Sprintf("%d", i), n)
	}
}

func TestGetHistory_BoundedAndFiltered(t *testing.T) {
	h := New(WithHistoryCapacity(3))
	defer h.Close()

	for i := 0; i < 5; i++ {
		msg := NewMessage("evt", i).From("input.src")
		_, err := h.Send(context.Background(), msg, SendOptions{})
		require.NoError(t, err)
	}

	all := h.GetHistory(HistoryFilter{})
	require.Len(t, all, 3)

	// Oldest entries were evicted; insertion order is preserved.
	var first int
	require.NoError(t, all[0].UnmarshalPayload(&first))
	assert.Equal(t, 2, first)

	byType := h.GetHistory(HistoryFilter{Type: "evt"})
	assert.Len(t, byType, 3)
	assert.Empty(t, h.GetHistory(HistoryFilter{Type: "other"}))
	assert.Len(t, h.GetHistory(HistoryFilter{EndpointID: "input.src"}), 3)
}

func TestSubscribe_ObservesDispatch(t *testing.T) {
	h := New()
	defer h.Close()

	got := make(chan *Message, 1)
	require.NoError(t, h.Subscribe("ui", func(m *Message) { got <- m }))

	_, err := h.Send(context.Background(), NewMessage("evt", "x"), SendOptions{})
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, "evt", m.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber never observed the message")
	}

	err = h.Subscribe("ui", func(m *Message) {})
	assert.True(t, errors.Is(err, ErrDuplicateSubscriber))
}

func TestUnsubscribe_DropsQueuedMessages(t *testing.T) {
	h := New()
	defer h.Close()

	var delivered atomic.Int32
	block := make(chan struct{})
	var once sync.Once
	require.NoError(t, h.Subscribe("slow", func(m *Message) {
		once.Do(func() { <-block })
		delivered.Add(1)
	}))

	// First message occupies the subscriber; the rest queue behind it.
	for i := 0; i < 5; i++ {
		_, err := h.Send(context.Background(), NewMessage("evt", i), SendOptions{})
		require.NoError(t, err)
	}

	h.Unsubscribe("slow")
	close(block)
	time.Sleep(50 * time.Millisecond)

	// Queued messages were dropped after unsubscribe.
	assert.LessOrEqual(t, delivered.Load(), int32(1))
}

func TestExportState(t *testing.T) {
	h := New()
	defer h.Close()

	require.NoError(t, h.Register(testBundle("b", "1.0", procDef("w", "task"))))
	_, err := h.Send(context.Background(), NewMessage("task", "x"), SendOptions{Blocking: true})
	require.NoError(t, err)

	state := h.ExportState()
	assert.Len(t, state.Entries, 1)
	assert.Equal(t, []string{"task"}, state.Routes["process.w"])
}

func TestClose_RejectsSends(t *testing.T) {
	h := New()
	h.Close()

	_, err := h.Send(context.Background(), NewMessage("evt", nil), SendOptions{})
	assert.True(t, errors.Is(err, ErrHubClosed))
	assert.True(t, errors.Is(h.Register(testBundle("b", "1.0", procDef("x"))), ErrHubClosed))
}

func TestSend_UnregisterSettlesQueuedDeliveries(t *testing.T) {
	h := New()
	defer h.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, h.Register(Bundle{
		Name:    "slow",
		Version: "1.0",
		Endpoints: []EndpointDef{{
			Kind:         KindProcess,
			ID:           "slow",
			Capabilities: []string{"work"},
			Handler: func(ctx context.Context, msg *Message) (*Message, error) {
				started <- struct{}{}
				<-release
				return NewMessage("reply", "late"), nil
			},
		}},
	}))

	// Occupy the handler so later sends pile up in the endpoint queue.
	busy, err := h.Send(context.Background(), NewMessage("work", nil).WithTarget("process.slow"), SendOptions{})
	require.NoError(t, err)
	<-started

	var queued []*Delivery
	for i := 0; i < 4; i++ {
		d, err := h.Send(context.Background(), NewMessage("work", i).WithTarget("process.slow"), SendOptions{})
		require.NoError(t, err)
		queued = append(queued, d)
	}

	require.NoError(t, h.Unregister("slow"))
	close(release)

	// The handler already running finishes normally.
	select {
	case <-busy.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight delivery never settled")
	}
	require.NoError(t, busy.Err())

	// Everything still queued settles as a failed delivery, so a sender
	// waiting on any of these returns instead of hanging.
	for _, d := range queued {
		select {
		case <-d.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("queued delivery never settled")
		}
		require.Error(t, d.Err())
		assert.Contains(t, d.Err().Error(), "unregistered")

		results, err := d.Wait(context.Background())
		require.NoError(t, err)
		require.Len(t, results, 1)
	}
}
