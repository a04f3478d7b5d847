package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hearthrpg/hearth/internal/models"
)

// ErrCampaignNotFound indicates a lookup against a missing campaign row.
var ErrCampaignNotFound = errors.New("campaign not found")

func CreateCampaign(ctx context.Context, pool *pgxpool.Pool, c *models.Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Ruleset == "" {
		c.Ruleset = "generic"
	}
	c.CreatedAt = time.Now().UTC()

	q := `INSERT INTO campaign (id, owner_id, name, ruleset, created_at)
	      VALUES ($1, $2, $3, $4, $5)`
	err := pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, execErr := tx.Exec(ctx, q, c.ID, c.OwnerID, c.Name, c.Ruleset, c.CreatedAt)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to insert campaign: %w", err)
	}
	return nil
}

func GetCampaign(ctx context.Context, pool *pgxpool.Pool, id uuid.UUID) (*models.Campaign, error) {
	var c models.Campaign
	q := `SELECT id, owner_id, name, ruleset, created_at FROM campaign WHERE id = $1`
	err := pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.OwnerID, &c.Name, &c.Ruleset, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func ListCampaignsByOwner(ctx context.Context, pool *pgxpool.Pool, ownerID uuid.UUID) ([]models.Campaign, error) {
	q := `SELECT id, owner_id, name, ruleset, created_at
	      FROM campaign WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Ruleset, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
