package studio

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2022, 7, 26, 12, 50, 37, 944260000, time.UTC)

func newTestAggregator(store Store, hub Broadcaster) *Aggregator {
	agg := NewAggregator(store, hub, Settings{StoreTimeout: time.Second, MaxReadings: 20})
	agg.now = func() time.Time { return t0 }
	return agg
}

func mustDecode(t *testing.T, agg *Aggregator, raw string) Payload {
	t.Helper()
	p, err := agg.Decode([]byte(raw))
	require.NoError(t, err)
	return p
}

func TestIngestNewSession(t *testing.T) {
	store := NewMemoryStore()
	agg := newTestAggregator(store, nil)
	ctx := context.Background()

	result, err := agg.Ingest(ctx, mustDecode(t, agg, firstSnapshot))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, result.Outcome)
	assert.NotEmpty(t, result.ID)
	assert.Empty(t, result.Skipped)

	session, err := store.GetSession(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 18, 16}, session.ParticipantIDs)
	assert.Equal(t, t0, session.StartTime, "start time comes from the server clock")

	members, err := store.GetParticipants(ctx, []int64{5, 18, 16})
	require.NoError(t, err)
	require.Len(t, members, 3)
	for _, m := range members {
		assert.Equal(t, 1, m.SampleCount)
		assert.Equal(t, time.Date(2022, 7, 26, 12, 50, 37, 944260000, time.UTC), m.LatestTimestamp)
	}
	assert.Equal(t, 188.0, members[18].AvgHeartRate)
}

func TestIngestEndToEnd(t *testing.T) {
	store := NewMemoryStore()
	agg := newTestAggregator(store, nil)
	ctx := context.Background()

	_, err := agg.Ingest(ctx, mustDecode(t, agg, firstSnapshot))
	require.NoError(t, err)
	result, err := agg.Ingest(ctx, mustDecode(t, agg, secondSnapshot))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExisting, result.Outcome)
	assert.Len(t, result.Participants, 3)

	session, err := store.GetSession(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 18, 16}, session.ParticipantIDs, "roster is fixed by the first snapshot")

	members, err := store.GetParticipants(ctx, []int64{5, 16, 18})
	require.NoError(t, err)

	latest := time.Date(2022, 7, 26, 12, 53, 39, 366260000, time.UTC)
	want := map[int64]Participant{
		5:  {ID: 5, LatestTimestamp: latest, SampleCount: 2, AvgHeartRate: 161, LatestSpeed: 3.5, LatestDistance: 1.0},
		16: {ID: 16, LatestTimestamp: latest, SampleCount: 2, AvgHeartRate: 172, LatestSpeed: 5.8, LatestDistance: 1.30},
		18: {ID: 18, LatestTimestamp: latest, SampleCount: 2, AvgHeartRate: 192, LatestSpeed: 4.0, LatestDistance: 0.72},
	}
	assert.Equal(t, want, members)
}

func TestIngestSkipsUnknownParticipant(t *testing.T) {
	store := NewMemoryStore()
	agg := newTestAggregator(store, nil)
	ctx := context.Background()

	_, err := agg.Ingest(ctx, mustDecode(t, agg, firstSnapshot))
	require.NoError(t, err)

	late := Payload{
		StudioID:  3,
		Timestamp: t0.Add(time.Minute),
		Readings: []Reading{
			{ParticipantID: 5, HeartRate: 160, Speed: 3.5, Distance: 1.0},
			{ParticipantID: 99, HeartRate: 150, Speed: 2.0, Distance: 0.1},
		},
	}
	result, err := agg.Ingest(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, []int64{99}, result.Skipped)
	assert.ErrorIs(t, result.Warning(), ErrUnknownParticipant)

	members, err := store.GetParticipants(ctx, []int64{5, 99})
	require.NoError(t, err)
	assert.Equal(t, 2, members[5].SampleCount)
	assert.NotContains(t, members, int64(99))
}

func TestIngestSkipsMemberOffRoster(t *testing.T) {
	store := NewMemoryStore()
	agg := newTestAggregator(store, nil)
	ctx := context.Background()

	// Member 40 exists from another studio but was not in studio 3's first snapshot.
	_, err := agg.Ingest(ctx, Payload{StudioID: 8, Timestamp: t0, Readings: []Reading{{ParticipantID: 40, HeartRate: 120}}})
	require.NoError(t, err)
	_, err = agg.Ingest(ctx, mustDecode(t, agg, firstSnapshot))
	require.NoError(t, err)

	result, err := agg.Ingest(ctx, Payload{StudioID: 3, Timestamp: t0.Add(time.Minute), Readings: []Reading{{ParticipantID: 40, HeartRate: 180}}})
	require.NoError(t, err)
	assert.Equal(t, []int64{40}, result.Skipped)

	members, err := store.GetParticipants(ctx, []int64{40})
	require.NoError(t, err)
	assert.Equal(t, 1, members[40].SampleCount)
}

func TestIngestNewSessionOverwritesReusedParticipant(t *testing.T) {
	store := NewMemoryStore()
	agg := newTestAggregator(store, nil)
	ctx := context.Background()

	_, err := agg.Ingest(ctx, mustDecode(t, agg, firstSnapshot))
	require.NoError(t, err)
	_, err = agg.Ingest(ctx, mustDecode(t, agg, secondSnapshot))
	require.NoError(t, err)

	_, err = agg.Ingest(ctx, Payload{StudioID: 4, Timestamp: t0.Add(time.Hour), Readings: []Reading{{ParticipantID: 5, HeartRate: 100, Speed: 1, Distance: 0.1}}})
	require.NoError(t, err)

	members, err := store.GetParticipants(ctx, []int64{5})
	require.NoError(t, err)
	assert.Equal(t, 1, members[5].SampleCount)
	assert.Equal(t, 100.0, members[5].AvgHeartRate)
}

func TestIngestMalformedTouchesNoStore(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	agg := newTestAggregator(store, nil)

	_, err := agg.Ingest(context.Background(), Payload{StudioID: 3, Timestamp: t0})
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Zero(t, store.calls)
}

func TestIngestReadingCap(t *testing.T) {
	agg := NewAggregator(NewMemoryStore(), nil, Settings{MaxReadings: 2})
	_, err := agg.Decode([]byte(firstSnapshot))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestIngestStorageFailureRollsBack(t *testing.T) {
	inner := NewMemoryStore()
	store := &failingStore{MemoryStore: inner, failUpsert: errStudio}
	agg := newTestAggregator(store, nil)
	ctx := context.Background()

	_, err := agg.Ingest(ctx, mustDecode(t, agg, firstSnapshot))
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.ErrorIs(t, err, errStudio)

	_, err = inner.GetSession(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound, "session must not be visible after a failed ingest")
	members, err := inner.GetParticipants(ctx, []int64{5, 18, 16})
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestIngestLookupFailure(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failGet: errStudio}
	agg := newTestAggregator(store, nil)

	_, err := agg.Ingest(context.Background(), mustDecode(t, agg, firstSnapshot))
	assert.ErrorIs(t, err, ErrStorageFailure)
}

func TestIngestCanceledContext(t *testing.T) {
	agg := newTestAggregator(NewMemoryStore(), nil)
	payload := mustDecode(t, agg, firstSnapshot)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := agg.Ingest(ctx, payload)
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIngestBroadcastsResult(t *testing.T) {
	hub := &recordingHub{}
	agg := newTestAggregator(NewMemoryStore(), hub)

	result, err := agg.Ingest(context.Background(), mustDecode(t, agg, firstSnapshot))
	require.NoError(t, err)

	require.Len(t, hub.messages, 1)
	assert.Equal(t, "3", hub.studios[0])
	var got IngestResult
	require.NoError(t, json.Unmarshal(hub.messages[0], &got))
	assert.Equal(t, result.ID, got.ID)
	assert.Equal(t, OutcomeNew, got.Outcome)
}

func TestIngestConcurrentFirstSnapshots(t *testing.T) {
	store := NewMemoryStore()
	agg := newTestAggregator(store, nil)
	ctx := context.Background()

	payload := mustDecode(t, agg, firstSnapshot)

	const workers = 16
	outcomes := make(chan Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := agg.Ingest(ctx, payload)
			if err == nil {
				outcomes <- result.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[OutcomeNew])
	assert.Equal(t, workers-1, counts[OutcomeExisting])

	members, err := store.GetParticipants(ctx, []int64{5})
	require.NoError(t, err)
	assert.Equal(t, workers, members[5].SampleCount)
	assert.Zero(t, store.locks.size())
}

type countingStore struct {
	*MemoryStore
	calls int
}

func (s *countingStore) Atomic(ctx context.Context, studioID int64, fn func(ctx context.Context, tx Tx) error) error {
	s.calls++
	return s.MemoryStore.Atomic(ctx, studioID, fn)
}

type failingStore struct {
	*MemoryStore
	failGet    error
	failUpsert error
}

func (s *failingStore) Atomic(ctx context.Context, studioID int64, fn func(ctx context.Context, tx Tx) error) error {
	return s.MemoryStore.Atomic(ctx, studioID, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &failingTx{Tx: tx, store: s})
	})
}

type failingTx struct {
	Tx
	store *failingStore
}

func (t *failingTx) GetSession(ctx context.Context, id int64) (Session, error) {
	if t.store.failGet != nil {
		return Session{}, t.store.failGet
	}
	return t.Tx.GetSession(ctx, id)
}

func (t *failingTx) UpsertParticipants(ctx context.Context, participants map[int64]Participant, mode UpsertMode) error {
	if t.store.failUpsert != nil {
		return t.store.failUpsert
	}
	return t.Tx.UpsertParticipants(ctx, participants, mode)
}

type recordingHub struct {
	mu       sync.Mutex
	studios  []string
	messages [][]byte
}

func (h *recordingHub) Broadcast(studioID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.studios = append(h.studios, studioID)
	h.messages = append(h.messages, payload)
}

var errStudio = errors.New("studio error")
