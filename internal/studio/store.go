package studio

import "context"

type UpsertMode int

const (
	// UpsertCreate inserts participants, overwriting any existing aggregate.
	UpsertCreate UpsertMode = iota
	// UpsertUpdate rewrites participants that must already exist.
	UpsertUpdate
)

func (m UpsertMode) String() string {
	if m == UpsertUpdate {
		return "update"
	}
	return "create"
}

// Reader is the read side of the store. GetSession returns ErrNotFound for an
// unknown id; GetParticipants leaves unknown ids out of the result.
type Reader interface {
	GetSession(ctx context.Context, id int64) (Session, error)
	GetParticipants(ctx context.Context, ids []int64) (map[int64]Participant, error)
}

// Tx is a unit of work opened by Store.Atomic.
type Tx interface {
	Reader
	CreateSession(ctx context.Context, session Session) error
	UpsertParticipants(ctx context.Context, participants map[int64]Participant, mode UpsertMode) error
}

// Store persists sessions and participants. Atomic serializes units of work
// for the same studio id and applies the unit's writes all together, or not
// at all when fn returns an error.
type Store interface {
	Reader
	Atomic(ctx context.Context, studioID int64, fn func(ctx context.Context, tx Tx) error) error
}
