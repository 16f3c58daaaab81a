package studio

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Pointer fields tell an absent or null field apart from a zero value.
type wirePayload struct {
	StudioID    *int64        `json:"studio_id"`
	TimeStamp   *string       `json:"time_stamp"`
	MembersData []*wireMember `json:"members_data"`
}

type wireMember struct {
	MemberID  *int64   `json:"member_id"`
	HeartRate *float64 `json:"heart_rate"`
	Speed     *float64 `json:"speed"`
	Distance  *float64 `json:"distance"`
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// DecodePayload parses a JSON snapshot. Timestamps without a zone are read in loc.
func DecodePayload(raw []byte, loc *time.Location) (Payload, error) {
	var wire wirePayload
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Payload{}, malformed("%v", err)
	}
	if wire.StudioID == nil {
		return Payload{}, malformed("studio_id is required")
	}
	if wire.TimeStamp == nil {
		return Payload{}, malformed("time_stamp is required")
	}
	ts, err := ParseTimestamp(*wire.TimeStamp, loc)
	if err != nil {
		return Payload{}, err
	}

	p := Payload{StudioID: *wire.StudioID, Timestamp: ts}
	for i, m := range wire.MembersData {
		if m == nil {
			return Payload{}, malformed("members_data[%d] is null", i)
		}
		switch {
		case m.MemberID == nil:
			return Payload{}, malformed("members_data[%d].member_id is required", i)
		case m.HeartRate == nil:
			return Payload{}, malformed("members_data[%d].heart_rate is required", i)
		case m.Speed == nil:
			return Payload{}, malformed("members_data[%d].speed is required", i)
		case m.Distance == nil:
			return Payload{}, malformed("members_data[%d].distance is required", i)
		}
		p.Readings = append(p.Readings, Reading{
			ParticipantID: *m.MemberID,
			HeartRate:     *m.HeartRate,
			Speed:         *m.Speed,
			Distance:      *m.Distance,
		})
	}
	return p.normalize(0)
}

// ParseTimestamp accepts RFC 3339 and zone-less ISO-8601 date-times.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, malformed("time_stamp %q is not ISO-8601", s)
}

// normalize validates p and collapses repeated member ids. A repeated id keeps
// the position of its first reading and the values of its last. maxReadings <= 0
// disables the cap.
func (p Payload) normalize(maxReadings int) (Payload, error) {
	if p.Timestamp.IsZero() {
		return Payload{}, malformed("time_stamp is required")
	}
	if len(p.Readings) == 0 {
		return Payload{}, malformed("members_data must not be empty")
	}

	index := make(map[int64]int, len(p.Readings))
	readings := make([]Reading, 0, len(p.Readings))
	for i, r := range p.Readings {
		if !finite(r.HeartRate) || !finite(r.Speed) || !finite(r.Distance) {
			return Payload{}, malformed("members_data[%d] has a non-finite value", i)
		}
		if at, ok := index[r.ParticipantID]; ok {
			readings[at] = r
			continue
		}
		index[r.ParticipantID] = len(readings)
		readings = append(readings, r)
	}
	if maxReadings > 0 && len(readings) > maxReadings {
		return Payload{}, malformed("%d members exceeds the limit of %d", len(readings), maxReadings)
	}

	p.Readings = readings
	return p, nil
}

func (p Payload) participantIDs() []int64 {
	ids := make([]int64, len(p.Readings))
	for i, r := range p.Readings {
		ids[i] = r.ParticipantID
	}
	return ids
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
