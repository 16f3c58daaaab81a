package studio

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Broadcaster receives every committed ingest result. stream.Hub implements it.
type Broadcaster interface {
	Broadcast(studioID string, payload []byte)
}

type Settings struct {
	// StoreTimeout bounds each Ingest or Summarize call. Zero means no deadline beyond ctx.
	StoreTimeout time.Duration
	// MaxReadings caps readings per payload; zero disables the cap.
	MaxReadings int
	// Location is used for timestamps that carry no zone.
	Location *time.Location
}

type Aggregator struct {
	store    Store
	hub      Broadcaster
	settings Settings
	now      func() time.Time
}

func NewAggregator(store Store, hub Broadcaster, settings Settings) *Aggregator {
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	return &Aggregator{store: store, hub: hub, settings: settings, now: time.Now}
}

// Decode parses a raw snapshot with the aggregator's timezone and limits.
func (a *Aggregator) Decode(raw []byte) (Payload, error) {
	p, err := DecodePayload(raw, a.settings.Location)
	if err != nil {
		return Payload{}, err
	}
	return p.normalize(a.settings.MaxReadings)
}

// Ingest folds one snapshot into the store. The first snapshot for a studio id
// opens the session and resets its members' aggregates. Later snapshots update
// the members already on the roster. Readings for anyone else are skipped and
// show up in IngestResult.Skipped.
func (a *Aggregator) Ingest(ctx context.Context, payload Payload) (IngestResult, error) {
	payload, err := payload.normalize(a.settings.MaxReadings)
	if err != nil {
		return IngestResult{}, err
	}

	ctx, cancel := withTimeout(ctx, a.settings.StoreTimeout)
	defer cancel()

	var result IngestResult
	err = a.store.Atomic(ctx, payload.StudioID, func(ctx context.Context, tx Tx) error {
		result = IngestResult{
			ID:        uuid.NewString(),
			StudioID:  payload.StudioID,
			Timestamp: payload.Timestamp,
		}

		session, err := tx.GetSession(ctx, payload.StudioID)
		switch {
		case errors.Is(err, ErrNotFound):
			result.Outcome = OutcomeNew
		case err != nil:
			return err
		default:
			result.Outcome = OutcomeExisting
		}

		switch result.Outcome {
		case OutcomeNew:
			result.Participants, err = a.open(ctx, tx, payload)
		case OutcomeExisting:
			result.Participants, result.Skipped, err = a.fold(ctx, tx, session, payload)
		}
		return err
	})
	if err != nil {
		return IngestResult{}, storageFailure("ingest studio "+strconv.FormatInt(payload.StudioID, 10), err)
	}

	if warn := result.Warning(); warn != nil {
		log.Printf("ingest %s: skipped readings: %v", result.ID, warn)
	}
	a.broadcast(result)
	return result, nil
}

func (a *Aggregator) open(ctx context.Context, tx Tx, payload Payload) ([]Participant, error) {
	session := Session{
		ID:             payload.StudioID,
		StartTime:      a.now(),
		ParticipantIDs: payload.participantIDs(),
	}
	if err := tx.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	created := make(map[int64]Participant, len(payload.Readings))
	out := make([]Participant, 0, len(payload.Readings))
	for _, r := range payload.Readings {
		p := NewParticipant(r, payload.Timestamp)
		created[p.ID] = p
		out = append(out, p)
	}
	if err := tx.UpsertParticipants(ctx, created, UpsertCreate); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Aggregator) fold(ctx context.Context, tx Tx, session Session, payload Payload) ([]Participant, []int64, error) {
	roster := make(map[int64]struct{}, len(session.ParticipantIDs))
	for _, id := range session.ParticipantIDs {
		roster[id] = struct{}{}
	}

	var lookup []int64
	for _, r := range payload.Readings {
		if _, ok := roster[r.ParticipantID]; ok {
			lookup = append(lookup, r.ParticipantID)
		}
	}
	current, err := tx.GetParticipants(ctx, lookup)
	if err != nil {
		return nil, nil, err
	}

	var skipped []int64
	updated := make(map[int64]Participant, len(current))
	out := make([]Participant, 0, len(current))
	for _, r := range payload.Readings {
		p, ok := current[r.ParticipantID]
		if !ok {
			skipped = append(skipped, r.ParticipantID)
			continue
		}
		p = p.Fold(r, payload.Timestamp)
		updated[p.ID] = p
		out = append(out, p)
	}
	if len(updated) > 0 {
		if err := tx.UpsertParticipants(ctx, updated, UpsertUpdate); err != nil {
			return nil, nil, err
		}
	}
	return out, skipped, nil
}

func (a *Aggregator) broadcast(result IngestResult) {
	if a.hub == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		log.Printf("ingest %s: encode broadcast: %v", result.ID, err)
		return
	}
	a.hub.Broadcast(strconv.FormatInt(result.StudioID, 10), payload)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
