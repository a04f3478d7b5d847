package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hearthrpg/hearth/internal/models"
)

// Postgres implements Store on a pgx pool. Per-campaign append serialization
// comes from the row lock taken on the game_snapshot row, held for the
// duration of the append transaction, so ordering holds even with multiple
// service instances sharing one database. Different campaigns lock different
// rows and never block each other.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres builds a Store backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) AppendEvent(ctx context.Context, campaignID uuid.UUID, eventName string, payload json.RawMessage, projector Projector) (models.Event, models.Snapshot, error) {
	if !models.KnownEventNames[eventName] {
		return models.Event{}, models.Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownEventName, eventName)
	}
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	var ev models.Event
	var snap models.Snapshot

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// The FOR UPDATE lock is the campaign's append lock.
		var lastSeq int64
		var stateJSON []byte
		err := tx.QueryRow(ctx,
			`SELECT last_seq, state FROM game_snapshot WHERE campaign_id = $1 FOR UPDATE`,
			campaignID,
		).Scan(&lastSeq, &stateJSON)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("snapshot for campaign %s: %w", campaignID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("locking snapshot row: %w", err)
		}

		var state map[string]any
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return fmt.Errorf("decoding snapshot state: %w", err)
		}

		ev = models.Event{
			ID:         uuid.New(),
			CampaignID: campaignID,
			Seq:        lastSeq + 1,
			EventName:  eventName,
			Payload:    payload,
			CreatedAt:  time.Now().UTC(),
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO game_event (id, campaign_id, seq, event_name, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.ID, ev.CampaignID, ev.Seq, ev.EventName, ev.Payload, ev.CreatedAt,
		); err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}

		if projector != nil {
			if err := projector(state); err != nil {
				return fmt.Errorf("projecting event %s: %w", eventName, err)
			}
		}

		newStateJSON, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encoding snapshot state: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE game_snapshot SET last_seq = $1, state = $2 WHERE campaign_id = $3`,
			ev.Seq, newStateJSON, campaignID,
		); err != nil {
			return fmt.Errorf("updating snapshot: %w", err)
		}

		snap = models.Snapshot{CampaignID: campaignID, LastSeq: ev.Seq, State: state}
		return nil
	})
	if err != nil {
		return models.Event{}, models.Snapshot{}, err
	}
	return ev, snap, nil
}

func (s *Postgres) ReadSnapshot(ctx context.Context, campaignID uuid.UUID) (models.Snapshot, error) {
	var lastSeq int64
	var stateJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT last_seq, state FROM game_snapshot WHERE campaign_id = $1`,
		campaignID,
	).Scan(&lastSeq, &stateJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Snapshot{}, fmt.Errorf("snapshot for campaign %s: %w", campaignID, ErrNotFound)
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("reading snapshot: %w", err)
	}
	var state map[string]any
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return models.Snapshot{}, fmt.Errorf("decoding snapshot state: %w", err)
	}
	return models.Snapshot{CampaignID: campaignID, LastSeq: lastSeq, State: state}, nil
}

func (s *Postgres) ReadEventsAfter(ctx context.Context, campaignID uuid.UUID, afterSeq int64, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = ReplayLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, campaign_id, seq, event_name, payload, created_at
		 FROM game_event
		 WHERE campaign_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		campaignID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.ID, &ev.CampaignID, &ev.Seq, &ev.EventName, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Postgres) EnsureSnapshot(ctx context.Context, campaignID uuid.UUID, initialState map[string]any) error {
	stateJSON, err := json.Marshal(initialState)
	if err != nil {
		return fmt.Errorf("encoding initial state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO game_snapshot (campaign_id, last_seq, state)
		 VALUES ($1, 0, $2)
		 ON CONFLICT (campaign_id) DO NOTHING`,
		campaignID, stateJSON,
	)
	if err != nil {
		return fmt.Errorf("ensuring snapshot: %w", err)
	}
	return nil
}

func (s *Postgres) CreateEntity(ctx context.Context, entity *models.Entity) error {
	table, err := entityTable(entity.Kind)
	if err != nil {
		return err
	}
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	if entity.Data == nil {
		entity.Data = json.RawMessage(`{}`)
	}
	q := fmt.Sprintf(
		`INSERT INTO %s (id, campaign_id, name, data) VALUES ($1, $2, $3, $4)`, table)
	if _, err := s.pool.Exec(ctx, q, entity.ID, entity.CampaignID, entity.Name, entity.Data); err != nil {
		return fmt.Errorf("inserting %s: %w", entity.Kind, err)
	}
	return nil
}

func (s *Postgres) GetEntity(ctx context.Context, campaignID uuid.UUID, kind string, id uuid.UUID) (models.Entity, error) {
	table, err := entityTable(kind)
	if err != nil {
		return models.Entity{}, err
	}
	ent := models.Entity{Kind: kind}
	q := fmt.Sprintf(
		`SELECT id, campaign_id, name, data FROM %s WHERE id = $1 AND campaign_id = $2`, table)
	err = s.pool.QueryRow(ctx, q, id, campaignID).Scan(&ent.ID, &ent.CampaignID, &ent.Name, &ent.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Entity{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return models.Entity{}, fmt.Errorf("reading %s: %w", kind, err)
	}
	return ent, nil
}

func (s *Postgres) UpdateEntityData(ctx context.Context, campaignID uuid.UUID, kind string, id uuid.UUID, data json.RawMessage) error {
	table, err := entityTable(kind)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(
		`UPDATE %s SET data = $1 WHERE id = $2 AND campaign_id = $3`, table)
	tag, err := s.pool.Exec(ctx, q, data, id, campaignID)
	if err != nil {
		return fmt.Errorf("updating %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
