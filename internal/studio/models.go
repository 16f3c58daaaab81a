package studio

import (
	"errors"
	"fmt"
	"time"
)

// Session is one class held at a studio. The roster is fixed by the first
// snapshot seen for the studio id.
type Session struct {
	ID             int64     `json:"id"`
	StartTime      time.Time `json:"start_time"`
	ParticipantIDs []int64   `json:"participant_ids"`
}

// Participant holds a member's running aggregates. They are keyed by member id
// alone and carry over between sessions.
type Participant struct {
	ID              int64     `json:"id"`
	LatestTimestamp time.Time `json:"latest_time_stamp"`
	SampleCount     int       `json:"count"`
	AvgHeartRate    float64   `json:"avg_hr"`
	LatestSpeed     float64   `json:"speed"`
	LatestDistance  float64   `json:"distance"`
}

// NewParticipant starts a fresh aggregate from a single reading.
func NewParticipant(r Reading, at time.Time) Participant {
	return Participant{
		ID:              r.ParticipantID,
		LatestTimestamp: at,
		SampleCount:     1,
		AvgHeartRate:    r.HeartRate,
		LatestSpeed:     r.Speed,
		LatestDistance:  r.Distance,
	}
}

// Fold adds one reading to the running mean and replaces the latest values.
func (p Participant) Fold(r Reading, at time.Time) Participant {
	p.SampleCount++
	p.AvgHeartRate += (r.HeartRate - p.AvgHeartRate) / float64(p.SampleCount)
	p.LatestSpeed = r.Speed
	p.LatestDistance = r.Distance
	p.LatestTimestamp = at
	return p
}

type Reading struct {
	ParticipantID int64   `json:"member_id"`
	HeartRate     float64 `json:"heart_rate"`
	Speed         float64 `json:"speed"`
	Distance      float64 `json:"distance"`
}

// Payload is one decoded snapshot.
type Payload struct {
	StudioID  int64     `json:"studio_id"`
	Timestamp time.Time `json:"time_stamp"`
	Readings  []Reading `json:"members_data"`
}

// Outcome records which branch an ingest took for its session.
type Outcome string

const (
	OutcomeNew      Outcome = "new"
	OutcomeExisting Outcome = "existing"
)

type IngestResult struct {
	ID           string        `json:"ingest_id"`
	StudioID     int64         `json:"studio_id"`
	Timestamp    time.Time     `json:"time_stamp"`
	Outcome      Outcome       `json:"outcome"`
	Participants []Participant `json:"members"`
	Skipped      []int64       `json:"skipped,omitempty"`
}

// Warning reports skipped readings as ErrUnknownParticipant, or nil when every
// reading was applied.
func (r IngestResult) Warning() error {
	if len(r.Skipped) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Skipped))
	for _, id := range r.Skipped {
		errs = append(errs, fmt.Errorf("studio %d: member %d: %w", r.StudioID, id, ErrUnknownParticipant))
	}
	return errors.Join(errs...)
}

type SummaryEntry struct {
	AvgHeartRate int64   `json:"avg_hr"`
	AvgSpeed     float64 `json:"avg_speed"`
	Distance     float64 `json:"distance"`
}

// Summary maps member id to its class summary. encoding/json writes the int
// keys as strings.
type Summary map[int64]SummaryEntry
