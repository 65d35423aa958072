package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"qms/barberline/internal/models"
	"qms/barberline/internal/store"
	"qms/barberline/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	published []store.OutboxEvent
	failAt    int64
}

func (p *recordingPublisher) Publish(_ context.Context, event store.OutboxEvent) error {
	if p.failAt != 0 && event.Seq == p.failAt {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func seedOutbox(t *testing.T, n int) *memory.Store {
	t.Helper()
	st := memory.New(store.PerPersonMinutes)
	st.PutUser(models.User{UserID: "u-1"})
	for i := 0; i < n; i++ {
		_, err := st.ApplyDelta(context.Background(), store.LedgerInput{
			UserID: "u-1",
			Points: models.PointsCompletedService,
			Reason: models.ReasonCompletedService,
		})
		require.NoError(t, err)
	}
	return st
}

func seqs(events []store.OutboxEvent) []int64 {
	out := make([]int64, 0, len(events))
	for _, e := range events {
		out = append(out, e.Seq)
	}
	return out
}

func TestRelayPublishesInOrderAndAdvancesOffset(t *testing.T) {
	st := seedOutbox(t, 3)
	pub := &recordingPublisher{}
	relay := NewRelay(st, pub, RelayConfig{BatchSize: 2})
	ctx := context.Background()

	n, err := relay.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = relay.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = relay.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []int64{1, 2, 3}, seqs(pub.published))
	assert.Equal(t, "ledger.entry_appended", pub.published[0].Type)

	offset, err := st.GetOutboxOffset(ctx, DefaultConsumer)
	require.NoError(t, err)
	assert.Equal(t, int64(3), offset)
}

func TestRelayStopsAtFailedPublish(t *testing.T) {
	st := seedOutbox(t, 3)
	pub := &recordingPublisher{failAt: 2}
	relay := NewRelay(st, pub, RelayConfig{Consumer: "audit"})
	ctx := context.Background()

	n, err := relay.Run(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	offset, err := st.GetOutboxOffset(ctx, "audit")
	require.NoError(t, err)
	assert.Equal(t, int64(1), offset)

	pub.failAt = 0
	n, err = relay.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2, 3}, seqs(pub.published))
}

func TestRelayConsumersTrackSeparateOffsets(t *testing.T) {
	st := seedOutbox(t, 2)
	ctx := context.Background()

	first := &recordingPublisher{}
	_, err := NewRelay(st, first, RelayConfig{Consumer: "a"}).Run(ctx)
	require.NoError(t, err)

	second := &recordingPublisher{}
	_, err = NewRelay(st, second, RelayConfig{Consumer: "b"}).Run(ctx)
	require.NoError(t, err)

	assert.Len(t, first.published, 2)
	assert.Len(t, second.published, 2)
}

// pendingOutbox exposes only committed rows, so a writer holding a lower seq
// can become visible after a higher one.
type pendingOutbox struct {
	mu        sync.Mutex
	committed []store.OutboxEvent
	offsets   map[string]int64
}

func (o *pendingOutbox) commit(event store.OutboxEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.committed = append(o.committed, event)
	sort.Slice(o.committed, func(i, j int) bool { return o.committed[i].Seq < o.committed[j].Seq })
}

func (o *pendingOutbox) ListOutboxEvents(_ context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []store.OutboxEvent
	for _, event := range o.committed {
		if event.Seq > afterSeq && len(out) < limit {
			out = append(out, event)
		}
	}
	return out, nil
}

func (o *pendingOutbox) GetOutboxOffset(_ context.Context, consumer string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offsets[consumer], nil
}

func (o *pendingOutbox) UpdateOutboxOffset(_ context.Context, consumer string, seq int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.offsets == nil {
		o.offsets = map[string]int64{}
	}
	if seq > o.offsets[consumer] {
		o.offsets[consumer] = seq
	}
	return nil
}

func TestRelayWaitsOutLateCommittingLowerSeq(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 7, 3, 9, 0, 0, 0, time.UTC)
	now := start
	outbox := &pendingOutbox{}
	pub := &recordingPublisher{}
	relay := NewRelay(outbox, pub, RelayConfig{
		VisibilityLag: 2 * time.Second,
		Now:           func() time.Time { return now },
	})

	// seq 1 was taken first but its transaction is still open.
	outbox.commit(store.OutboxEvent{Seq: 2, Type: "ticket.created", RecordedAt: start})
	now = start.Add(time.Second)
	n, err := relay.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	offset, err := outbox.GetOutboxOffset(ctx, DefaultConsumer)
	require.NoError(t, err)
	assert.Zero(t, offset)

	outbox.commit(store.OutboxEvent{Seq: 1, Type: "ticket.created", RecordedAt: start.Add(-100 * time.Millisecond)})
	now = start.Add(3 * time.Second)
	n, err = relay.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, seqs(pub.published))
}

func TestRelayHoldsBackRecentEventsInOrder(t *testing.T) {
	st := memory.New(store.PerPersonMinutes)
	st.PutUser(models.User{UserID: "u-1"})
	ctx := context.Background()
	_, err := st.ApplyDelta(ctx, store.LedgerInput{UserID: "u-1", Points: 1, Reason: models.ReasonCompletedService})
	require.NoError(t, err)

	events, err := st.ListOutboxEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	recorded := events[0].RecordedAt
	require.False(t, recorded.IsZero())

	now := recorded.Add(time.Second)
	pub := &recordingPublisher{}
	relay := NewRelay(st, pub, RelayConfig{VisibilityLag: 5 * time.Second, Now: func() time.Time { return now }})

	n, err := relay.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.published)

	now = recorded.Add(5 * time.Second)
	n, err = relay.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1}, seqs(pub.published))
}

func TestLogPublisherAcceptsEvents(t *testing.T) {
	pub := LogPublisher{}
	assert.NoError(t, pub.Publish(context.Background(), store.OutboxEvent{Seq: 1, Type: "ticket.created"}))
	assert.NoError(t, pub.Close())
}
