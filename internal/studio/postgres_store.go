package studio

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"backend-studiostats/internal/db"

	"github.com/jackc/pgx/v5"
)

// PostgresStore keeps sessions in studios/studio_members and aggregates in
// members. See db.EnsureSchema for the tables.
type PostgresStore struct {
	db db.TxBeginner
}

func NewPostgresStore(db db.TxBeginner) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetSession(ctx context.Context, id int64) (Session, error) {
	return getSession(ctx, s.db, id)
}

func (s *PostgresStore) GetParticipants(ctx context.Context, ids []int64) (map[int64]Participant, error) {
	return getParticipants(ctx, s.db, selectMembers, ids)
}

// Atomic runs fn in one transaction. The transaction first takes an advisory
// lock keyed by studio id, so ingests for the same studio serialize across
// every process sharing the database.
func (s *PostgresStore) Atomic(ctx context.Context, studioID int64, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, studioID); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("lock studio %d: %w", studioID, err)
	}
	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	q db.Querier
}

func (t *pgTx) GetSession(ctx context.Context, id int64) (Session, error) {
	return getSession(ctx, t.q, id)
}

// Rows are locked because a member id can be active in more than one studio.
func (t *pgTx) GetParticipants(ctx context.Context, ids []int64) (map[int64]Participant, error) {
	return getParticipants(ctx, t.q, selectMembers+` ORDER BY id FOR UPDATE`, ids)
}

func (t *pgTx) CreateSession(ctx context.Context, session Session) error {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO studios (id, start_time)
		VALUES ($1,$2)
		ON CONFLICT (id) DO NOTHING
	`, session.ID, session.StartTime)
	if err != nil {
		return fmt.Errorf("insert studio %d: %w", session.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("studio %d: %w", session.ID, ErrAlreadyExists)
	}

	_, err = t.q.Exec(ctx, `
		INSERT INTO studio_members (studio_id, position, member_id)
		SELECT $1, t.ord, t.member_id
		FROM unnest($2::bigint[]) WITH ORDINALITY AS t(member_id, ord)
	`, session.ID, session.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("insert studio %d members: %w", session.ID, err)
	}
	return nil
}

func (t *pgTx) UpsertParticipants(ctx context.Context, participants map[int64]Participant, mode UpsertMode) error {
	ids := make([]int64, 0, len(participants))
	for id := range participants {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		p := participants[id]
		switch mode {
		case UpsertCreate:
			_, err := t.q.Exec(ctx, `
				INSERT INTO members (id, latest_time_stamp, sample_count, avg_hr, speed, distance)
				VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (id) DO UPDATE
				SET latest_time_stamp = EXCLUDED.latest_time_stamp,
				    sample_count = EXCLUDED.sample_count,
				    avg_hr = EXCLUDED.avg_hr,
				    speed = EXCLUDED.speed,
				    distance = EXCLUDED.distance
			`, id, p.LatestTimestamp, p.SampleCount, p.AvgHeartRate, p.LatestSpeed, p.LatestDistance)
			if err != nil {
				return fmt.Errorf("create member %d: %w", id, err)
			}
		case UpsertUpdate:
			tag, err := t.q.Exec(ctx, `
				UPDATE members
				SET latest_time_stamp=$2, sample_count=$3, avg_hr=$4, speed=$5, distance=$6
				WHERE id=$1
			`, id, p.LatestTimestamp, p.SampleCount, p.AvgHeartRate, p.LatestSpeed, p.LatestDistance)
			if err != nil {
				return fmt.Errorf("update member %d: %w", id, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("update member %d: %w", id, ErrNotFound)
			}
		default:
			return fmt.Errorf("unknown upsert mode %d", mode)
		}
	}
	return nil
}

const selectMembers = `
		SELECT id, latest_time_stamp, sample_count, avg_hr, speed, distance
		FROM members WHERE id = ANY($1)`

func getSession(ctx context.Context, q db.Querier, id int64) (Session, error) {
	var session Session
	row := q.QueryRow(ctx, `SELECT id, start_time FROM studios WHERE id=$1`, id)
	if err := row.Scan(&session.ID, &session.StartTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, fmt.Errorf("studio %d: %w", id, ErrNotFound)
		}
		return Session{}, err
	}

	rows, err := q.Query(ctx, `
		SELECT member_id FROM studio_members
		WHERE studio_id=$1
		ORDER BY position
	`, id)
	if err != nil {
		return Session{}, err
	}
	defer rows.Close()

	session.ParticipantIDs = []int64{}
	for rows.Next() {
		var memberID int64
		if err := rows.Scan(&memberID); err != nil {
			return Session{}, err
		}
		session.ParticipantIDs = append(session.ParticipantIDs, memberID)
	}
	if err := rows.Err(); err != nil {
		return Session{}, err
	}
	return session, nil
}

func getParticipants(ctx context.Context, q db.Querier, query string, ids []int64) (map[int64]Participant, error) {
	out := make(map[int64]Participant, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.LatestTimestamp, &p.SampleCount, &p.AvgHeartRate, &p.LatestSpeed, &p.LatestDistance); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
