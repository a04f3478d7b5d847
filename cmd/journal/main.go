// cmd/journal is the asynchronous journal archiver: it pops committed
// campaign events from the Redis queue the session service publishes to,
// batch-persists them into the analytics archive table, and marks campaigns
// dormant after a period of inactivity.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/hearthrpg/hearth/internal/cache"
	"github.com/hearthrpg/hearth/internal/config"
	"github.com/hearthrpg/hearth/internal/database"
)

// archiver drains the journal queue into Postgres.
type archiver struct {
	rdb        *goredis.Client
	pool       *pgxpool.Pool
	logger     *logrus.Logger
	queue      string
	batchSize  int
	flushDelay time.Duration
	dormancy   time.Duration

	batchMu sync.Mutex
	batch   []cache.Record

	// lastActivity tracks the newest journaled event per campaign.
	lastActivity sync.Map // map[uuid.UUID]time.Time
}

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("loading configuration: %v", err)
	}
	if cfg.RedisAddr == "" {
		logger.Fatal("REDIS_ADDR is required for the journal archiver")
	}
	if cfg.PGHost == "" {
		logger.Fatal("PG_HOST is required for the journal archiver")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.Connect(ctx, cfg.PostgresDSN())
	if err != nil {
		logger.Fatalf("connecting to postgres: %v", err)
	}
	defer pool.Close()

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	a := &archiver{
		rdb:        rdb,
		pool:       pool,
		logger:     logger,
		queue:      cfg.RedisQueue,
		batchSize:  cfg.ArchiveBatchSize,
		flushDelay: cfg.ArchiveFlushInterval,
		dormancy:   cfg.CampaignDormantAfter,
		batch:      make([]cache.Record, 0, cfg.ArchiveBatchSize),
	}

	go a.drainLoop(ctx)
	go a.dormancyLoop(ctx)
	logger.Infof("journal archiver started on queue %q", a.queue)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	cancel()
	a.flush(context.Background())
	logger.Info("journal archiver shutdown complete")
}

// drainLoop pops records off the queue and accumulates them into batches.
// A timer flushes partial batches so quiet campaigns still land promptly.
func (a *archiver) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(a.flushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flush(ctx)
		default:
			// Bounded BLPop keeps context cancellation responsive.
			res, err := a.rdb.BLPop(ctx, 3*time.Second, a.queue).Result()
			if err != nil {
				if !errors.Is(err, goredis.Nil) && ctx.Err() == nil {
					a.logger.Errorf("popping journal record: %v", err)
				}
				continue
			}
			if len(res) < 2 {
				continue
			}

			var record cache.Record
			if err := json.Unmarshal([]byte(res[1]), &record); err != nil {
				a.logger.Warnf("discarding malformed journal record: %v", err)
				continue
			}
			if campaignID, err := uuid.Parse(record.CampaignID); err == nil {
				a.lastActivity.Store(campaignID, time.Now())
			}
			a.append(ctx, record)
		}
	}
}

func (a *archiver) append(ctx context.Context, record cache.Record) {
	a.batchMu.Lock()
	a.batch = append(a.batch, record)
	full := len(a.batch) >= a.batchSize
	a.batchMu.Unlock()
	if full {
		a.flush(ctx)
	}
}

// flush writes the pending batch in one transaction. Campaigns whose events
// land here have activity, so any dormant mark is cleared in the same pass.
func (a *archiver) flush(ctx context.Context) {
	a.batchMu.Lock()
	if len(a.batch) == 0 {
		a.batchMu.Unlock()
		return
	}
	pending := a.batch
	a.batch = make([]cache.Record, 0, a.batchSize)
	a.batchMu.Unlock()

	err := pgx.BeginTxFunc(ctx, a.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, record := range pending {
			if err := archiveRecordTx(ctx, tx, record); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		a.logger.Errorf("archiving %d journal records: %v", len(pending), err)
		return
	}
	a.logger.Debugf("archived %d journal records", len(pending))
}

func archiveRecordTx(ctx context.Context, tx pgx.Tx, record cache.Record) error {
	campaignID, err := uuid.Parse(record.CampaignID)
	if err != nil {
		// Unparseable ids were produced by something other than the session
		// service; skip rather than poison the batch.
		return nil
	}

	q := `
		INSERT INTO game_event_archive (campaign_id, seq, event_name, payload, occurred_at)
		VALUES ($1, $2, $3, $4, to_timestamp($5 / 1000.0))
		ON CONFLICT (campaign_id, seq) DO NOTHING
	`
	if _, err := tx.Exec(ctx, q, campaignID, record.Seq, record.EventName, record.Payload, record.Timestamp); err != nil {
		return err
	}

	wakeQ := `UPDATE campaign SET dormant_at = NULL WHERE id = $1 AND dormant_at IS NOT NULL`
	_, err = tx.Exec(ctx, wakeQ, campaignID)
	return err
}

// dormancyLoop marks campaigns dormant once they have gone quiet for the
// configured threshold. Dormancy is advisory; a new event clears it.
func (a *archiver) dormancyLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			a.lastActivity.Range(func(key, val any) bool {
				campaignID, ok1 := key.(uuid.UUID)
				last, ok2 := val.(time.Time)
				if ok1 && ok2 && now.Sub(last) > a.dormancy {
					a.markDormant(ctx, campaignID)
					a.lastActivity.Delete(campaignID)
				}
				return true
			})
		}
	}
}

func (a *archiver) markDormant(ctx context.Context, campaignID uuid.UUID) {
	q := `UPDATE campaign SET dormant_at = NOW() WHERE id = $1 AND dormant_at IS NULL`
	if _, err := a.pool.Exec(ctx, q, campaignID); err != nil {
		a.logger.Errorf("marking campaign %s dormant: %v", campaignID, err)
		return
	}
	a.logger.Infof("campaign %s marked dormant after inactivity", campaignID)
}
