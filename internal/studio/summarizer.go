package studio

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"
)

type Summarizer struct {
	store    Reader
	settings Settings
}

func NewSummarizer(store Reader, settings Settings) *Summarizer {
	return &Summarizer{store: store, settings: settings}
}

// Summarize reports each rostered member's class averages. An unknown studio
// yields an empty summary; so does a roster whose members are all missing.
func (s *Summarizer) Summarize(ctx context.Context, studioID int64) (Summary, error) {
	ctx, cancel := withTimeout(ctx, s.settings.StoreTimeout)
	defer cancel()

	session, err := s.store.GetSession(ctx, studioID)
	if errors.Is(err, ErrNotFound) {
		return Summary{}, nil
	}
	if err != nil {
		return nil, storageFailure("summarize studio "+strconv.FormatInt(studioID, 10), err)
	}

	participants, err := s.store.GetParticipants(ctx, session.ParticipantIDs)
	if err != nil {
		return nil, storageFailure("summarize studio "+strconv.FormatInt(studioID, 10), err)
	}

	summary := make(Summary, len(participants))
	for _, id := range session.ParticipantIDs {
		p, ok := participants[id]
		if !ok {
			continue
		}
		summary[id] = summarize(session.StartTime, p)
	}
	return summary, nil
}

func summarize(start time.Time, p Participant) SummaryEntry {
	avgSpeed := 0.0
	if hours := p.LatestTimestamp.Sub(start).Hours(); hours > 0 {
		avgSpeed = p.LatestDistance / hours
	}
	return SummaryEntry{
		AvgHeartRate: int64(math.Round(p.AvgHeartRate)),
		AvgSpeed:     roundTo(avgSpeed, 1),
		Distance:     roundTo(p.LatestDistance, 2),
	}
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
