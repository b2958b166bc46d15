package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/darias/ad-moderation/internal/domain"
	"github.com/darias/ad-moderation/internal/errval"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

type storage struct {
	pool *pgxpool.Pool
}

func NewStorage(ctx context.Context, dsn string) (*storage, error) {
	var pool *pgxpool.Pool
	var err error

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	err = backoff.Retry(func() error {
		if pool, err = pgxpool.ConnectConfig(ctx, config); err != nil {
			slog.ErrorContext(ctx, "failed to connect to postgres database.. retrying...", "error", err)
			return err
		}

		if err = pool.Ping(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ping postgres database connection.. retrying...", "error", err)
			return err
		}

		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5))

	if err != nil {
		return nil, err
	}

	return &storage{
		pool: pool,
	}, nil
}

const insertUserSQL = `
INSERT INTO users (is_verified)
VALUES ($1)
RETURNING id, is_verified, created_at
`

func (s *storage) CreateUser(ctx context.Context, isVerified bool) (*domain.User, error) {
	user := &domain.User{}
	err := s.pool.QueryRow(ctx, insertUserSQL, isVerified).Scan(&user.ID, &user.IsVerified, &user.CreatedAt)
	if err != nil {
		return nil, err
	}

	return user, nil
}

const getUserByIDSQL = `
SELECT id, is_verified, created_at
FROM users
WHERE id = $1
`

func (s *storage) GetUserByID(ctx context.Context, ID int32) (*domain.User, error) {
	user := &domain.User{}
	err := s.pool.QueryRow(ctx, getUserByIDSQL, ID).Scan(&user.ID, &user.IsVerified, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errval.ErrNotFound
		}

		return nil, err
	}

	return user, nil
}

const insertAdSQL = `
INSERT INTO ads (seller_id, name, description, category, images_qty)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, seller_id, name, description, category, images_qty, is_closed, created_at
`

func (s *storage) CreateAd(ctx context.Context, sellerID int32, name, description string, category, imagesQty int32) (*domain.Ad, error) {
	row := s.pool.QueryRow(ctx, insertAdSQL, sellerID, name, description, category, imagesQty)
	return scanAd(row)
}

const getAdByIDSQL = `
SELECT id, seller_id, name, description, category, images_qty, is_closed, created_at
FROM ads
WHERE id = $1
`

func (s *storage) GetAdByID(ctx context.Context, ID int32) (*domain.Ad, error) {
	row := s.pool.QueryRow(ctx, getAdByIDSQL, ID)
	return scanAd(row)
}

const getAdWithSellerSQL = `
SELECT a.id          AS ad_id,
       a.seller_id,
       a.name,
       a.description,
       a.category,
       a.images_qty,
       u.is_verified AS is_verified_seller
FROM ads a
         INNER JOIN users u ON a.seller_id = u.id
WHERE a.id = $1
`

// GetAdWithSeller fetches the ad together with the seller's verification flag
// in one query, so the worker does a single round trip per message.
func (s *storage) GetAdWithSeller(ctx context.Context, adID int32) (*domain.AdWithSeller, error) {
	item := &domain.AdWithSeller{}
	err := s.pool.QueryRow(ctx, getAdWithSellerSQL, adID).Scan(
		&item.AdID,
		&item.SellerID,
		&item.Name,
		&item.Description,
		&item.Category,
		&item.ImagesQty,
		&item.IsVerifiedSeller,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errval.ErrNotFound
		}

		return nil, err
	}

	return item, nil
}

const closeAdSQL = `
UPDATE ads
SET is_closed = TRUE
WHERE id = $1
  AND is_closed = FALSE
RETURNING id, seller_id, name, description, category, images_qty, is_closed, created_at
`

func (s *storage) CloseAd(ctx context.Context, adID int32) (*domain.Ad, error) {
	row := s.pool.QueryRow(ctx, closeAdSQL, adID)
	ad, err := scanAd(row)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			// The guard above matches open ads only, so distinguish a missing ad
			// from an already closed one
			if _, err2 := s.GetAdByID(ctx, adID); err2 == nil {
				return nil, errval.ErrAdClosed
			}

			return nil, errval.ErrNotFound
		}

		return nil, err
	}

	return ad, nil
}

const insertModerationTaskSQL = `
INSERT INTO moderation_tasks (item_id, status)
VALUES ($1, 'pending')
RETURNING id, item_id, status, is_violation, probability, error_message, created_at, processed_at
`

func (s *storage) InsertModerationTask(ctx context.Context, itemID int32) (*domain.ModerationTask, error) {
	row := s.pool.QueryRow(ctx, insertModerationTaskSQL, itemID)
	return scanModerationTask(row)
}

const getModerationTaskByIDSQL = `
SELECT id, item_id, status, is_violation, probability, error_message, created_at, processed_at
FROM moderation_tasks
WHERE id = $1
`

func (s *storage) GetModerationTaskByID(ctx context.Context, ID int32) (*domain.ModerationTask, error) {
	row := s.pool.QueryRow(ctx, getModerationTaskByIDSQL, ID)
	return scanModerationTask(row)
}

const completeModerationTaskSQL = `
UPDATE moderation_tasks
SET status       = 'completed',
    is_violation = $2,
    probability  = $3,
    processed_at = NOW()
WHERE id = $1
  AND status = 'pending'
`

// CompleteModerationTask writes the verdict for a pending task. The update is
// guarded on status = 'pending': status transitions are one-way, so a task
// which is already terminal is reported via ErrTaskAlreadyFinal instead of
// being overwritten.
func (s *storage) CompleteModerationTask(ctx context.Context, taskID int32, isViolation bool, probability float64) (*domain.ModerationTask, error) {
	var ct pgconn.CommandTag
	ct, err := s.pool.Exec(ctx, completeModerationTaskSQL, taskID, isViolation, probability)
	if err != nil {
		return nil, err
	}

	if ct.RowsAffected() == 0 {
		return nil, s.classifyGuardedUpdateMiss(ctx, taskID)
	}

	return s.GetModerationTaskByID(ctx, taskID)
}

const failModerationTaskSQL = `
UPDATE moderation_tasks
SET status        = 'failed',
    error_message = $2,
    processed_at  = NOW()
WHERE id = $1
  AND status = 'pending'
`

// FailModerationTask moves a pending task to failed, with the same terminal
// guard as CompleteModerationTask.
func (s *storage) FailModerationTask(ctx context.Context, taskID int32, errorMessage string) (*domain.ModerationTask, error) {
	var ct pgconn.CommandTag
	ct, err := s.pool.Exec(ctx, failModerationTaskSQL, taskID, errorMessage)
	if err != nil {
		return nil, err
	}

	if ct.RowsAffected() == 0 {
		return nil, s.classifyGuardedUpdateMiss(ctx, taskID)
	}

	return s.GetModerationTaskByID(ctx, taskID)
}

const getStalePendingTasksSQL = `
SELECT id, item_id, status, is_violation, probability, error_message, created_at, processed_at
FROM moderation_tasks
WHERE status = 'pending'
  AND created_at <= NOW() - $1 * INTERVAL '1 second'
ORDER BY created_at
LIMIT $2
`

// GetStalePendingTasks finds tasks which have been sitting in pending longer
// than the given threshold. These are the tasks whose message most likely never
// made it to the broker; the recovery command re-publishes them.
func (s *storage) GetStalePendingTasks(ctx context.Context, olderThan time.Duration, limit int32) ([]*domain.ModerationTask, error) {
	rows, err := s.pool.Query(ctx, getStalePendingTasksSQL, int64(olderThan.Seconds()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []*domain.ModerationTask{}
	for rows.Next() {
		task, err := scanModerationTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, task)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(tasks) == 0 {
		return nil, errval.ErrNotFound
	}

	return tasks, nil
}

func (s *storage) Ping(ctx context.Context) (err error) {
	return s.pool.Ping(ctx)
}

// classifyGuardedUpdateMiss tells apart the two reasons a guarded terminal
// update can touch zero rows: the task does not exist, or it is already final.
func (s *storage) classifyGuardedUpdateMiss(ctx context.Context, taskID int32) error {
	task, err := s.GetModerationTaskByID(ctx, taskID)
	if err != nil {
		return err
	}

	if task.IsTerminal() {
		return errval.ErrTaskAlreadyFinal
	}

	return errval.ErrInternal
}

func scanAd(row pgx.Row) (*domain.Ad, error) {
	ad := &domain.Ad{}
	err := row.Scan(
		&ad.ID,
		&ad.SellerID,
		&ad.Name,
		&ad.Description,
		&ad.Category,
		&ad.ImagesQty,
		&ad.IsClosed,
		&ad.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errval.ErrNotFound
		}

		return nil, err
	}

	return ad, nil
}

func scanModerationTask(row pgx.Row) (*domain.ModerationTask, error) {
	task := &domain.ModerationTask{}
	var isViolation pgtype.Bool
	var probability pgtype.Float8
	var errorMessage pgtype.Text
	var processedAt pgtype.Timestamptz

	err := row.Scan(
		&task.ID,
		&task.ItemID,
		&task.Status,
		&isViolation,
		&probability,
		&errorMessage,
		&task.CreatedAt,
		&processedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errval.ErrNotFound
		}

		return nil, err
	}

	if isViolation.Status == pgtype.Present {
		v := isViolation.Bool
		task.IsViolation = &v
	}
	if probability.Status == pgtype.Present {
		p := probability.Float
		task.Probability = &p
	}
	if errorMessage.Status == pgtype.Present {
		m := errorMessage.String
		task.ErrorMessage = &m
	}
	if processedAt.Status == pgtype.Present {
		t := processedAt.Time
		task.ProcessedAt = &t
	}

	return task, nil
}
