package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProvider struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
	block chan struct{}
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) Send(_ context.Context, userID string, payload Payload) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, userID+":"+payload.Title)
	if p.fail {
		return errors.New("provider failure")
	}
	return nil
}

func (p *recordingProvider) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func TestDispatcherDeliversQueuedNotifications(t *testing.T) {
	provider := &recordingProvider{}
	d := NewDispatcher(provider, DispatcherConfig{Workers: 1})
	d.Start()

	d.Notify(context.Background(), "u-1", Payload{Title: "your turn"})
	d.Notify(context.Background(), "", Payload{Title: "ignored"})
	d.Notify(context.Background(), "u-2", Payload{Title: "arrived"})
	d.Close()

	assert.Equal(t, []string{"u-1:your turn", "u-2:arrived"}, provider.messages())
}

func TestDispatcherSwallowsProviderFailures(t *testing.T) {
	provider := &recordingProvider{fail: true}
	d := NewDispatcher(provider, DispatcherConfig{})
	d.Start()

	require.NotPanics(t, func() {
		d.Notify(context.Background(), "u-1", Payload{Title: "x"})
	})
	d.Close()
	assert.Len(t, provider.messages(), 1)
}

func TestDispatcherDropsWhenQueueFullAndNeverBlocks(t *testing.T) {
	provider := &recordingProvider{block: make(chan struct{})}
	d := NewDispatcher(provider, DispatcherConfig{QueueSize: 1, Workers: 1})
	d.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Notify(context.Background(), "u-1", Payload{Title: "spam"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	close(provider.block)
	d.Close()
	assert.LessOrEqual(t, len(provider.messages()), 2)

	require.NotPanics(t, func() {
		d.Notify(context.Background(), "u-1", Payload{Title: "after close"})
	})
}

func TestNewProviderFallsBackToLog(t *testing.T) {
	assert.Equal(t, "log", NewProvider("", PubNubConfig{}, nil).Name())
	assert.Equal(t, "noop", NewProvider("noop", PubNubConfig{}, nil).Name())
	assert.Equal(t, "log", NewProvider("pubnub", PubNubConfig{}, nil).Name())
	assert.Equal(t, "pubnub", NewProvider("pubnub", PubNubConfig{PublishKey: "pub", SubscribeKey: "sub", UserID: "svc"}, nil).Name())
}

func TestPublishMessageShape(t *testing.T) {
	assert.Equal(t, "user-42", UserChannel("42"))
	msg := publishMessage(Payload{Title: "t", Body: "b", Data: map[string]string{"ticket_id": "t-1"}})
	assert.Equal(t, "t", msg["title"])
	assert.Equal(t, map[string]string{"ticket_id": "t-1"}, msg["data"])
	assert.NotContains(t, publishMessage(Payload{Title: "t"}), "data")
}

func TestDispatcherIgnoresNotifyDuringAndAfterClose(t *testing.T) {
	provider := &recordingProvider{}
	d := NewDispatcher(provider, DispatcherConfig{Workers: 2})
	d.Start()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d.Notify(context.Background(), "u-1", Payload{Title: "racing"})
			}
		}()
	}
	require.NotPanics(t, d.Close)
	wg.Wait()
	delivered := len(provider.messages())

	require.NotPanics(t, func() {
		d.Notify(context.Background(), "u-2", Payload{Title: "after close"})
	})
	require.NotPanics(t, d.Close)
	assert.Len(t, provider.messages(), delivered)
	assert.NotContains(t, provider.messages(), "u-2:after close")
}
