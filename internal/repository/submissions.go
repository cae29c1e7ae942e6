package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/grantflow-system/internal/model"
)

// CreateBountySubmission сохраняет работу участника по баунти. Пара
// (bounty_id, submitter_id) уникальна: при повторной подаче вставка
// не происходит, а вызывающему сообщается идентификатор существующей
// работы.
func (r *PostgresRepository) CreateBountySubmission(ctx context.Context, bountyID, submitterID int64, description string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO bounty_submissions (bounty_id, submitter_id, description, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (bounty_id, submitter_id) DO NOTHING`,
		bountyID, submitterID, description, string(model.SubmissionStatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("insert submission: %w", err)
	}

	inserted := cmdTag.RowsAffected() == 1

	var existingID int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM bounty_submissions WHERE bounty_id = $1 AND submitter_id = $2`,
		bountyID, submitterID,
	).Scan(&existingID)
	if err != nil {
		return 0, fmt.Errorf("select existing submission: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	if !inserted {
		return 0, &DuplicateSubmissionError{ExistingID: existingID}
	}

	return existingID, nil
}

// GetBountySubmissionByID возвращает работу по идентификатору.
func (r *PostgresRepository) GetBountySubmissionByID(ctx context.Context, id int64) (*model.BountySubmission, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, bounty_id, submitter_id, description, status, points_awarded, feedback, created_at, reviewed_at
		 FROM bounty_submissions WHERE id = $1`,
		id,
	)

	var s model.BountySubmission
	err := row.Scan(&s.ID, &s.BountyID, &s.SubmitterID, &s.Description, &s.Status,
		&s.PointsAwarded, &s.Feedback, &s.CreatedAt, &s.ReviewedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}

	return &s, nil
}

// ReviewBountySubmission переводит работу из pending в терминальный
// approved или rejected. Переход обусловлен текущим статусом, поэтому
// из двух конкурирующих ревью ровно одно завершается успехом. При
// одобрении запись журнала начислений создаётся в той же транзакции,
// что и смена статуса: points_awarded фиксируется ровно один раз.
func (r *PostgresRepository) ReviewBountySubmission(ctx context.Context, id int64, approve bool, feedback string, points int64) (int64, error) {
	target := model.SubmissionStatusRejected
	if approve {
		target = model.SubmissionStatusApproved
	}

	var payoutID int64
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var submitterID int64
		err = tx.QueryRow(ctx,
			`UPDATE bounty_submissions
			 SET status = $2, feedback = $3, points_awarded = $4, reviewed_at = now()
			 WHERE id = $1 AND status = $5
			 RETURNING submitter_id`,
			id, string(target), feedback, points, string(model.SubmissionStatusPending),
		).Scan(&submitterID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return r.classifySubmissionConflict(ctx, id)
			}
			return fmt.Errorf("review submission: %w", err)
		}

		if approve {
			err = tx.QueryRow(ctx,
				`INSERT INTO payouts (entity_kind, entity_id, user_id, points)
				 VALUES ($1, $2, $3, $4)
				 RETURNING id`,
				string(model.PayoutEntityBountySubmission), id, submitterID, points,
			).Scan(&payoutID)
			if err != nil {
				return fmt.Errorf("insert payout: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return payoutID, nil
}

func (r *PostgresRepository) classifySubmissionConflict(ctx context.Context, id int64) error {
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT status FROM bounty_submissions WHERE id = $1`,
		id,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("select submission status: %w", err)
	}

	return &InvalidStateError{Current: status}
}

// GetBountyStats вычисляет агрегаты по работам баунти сканированием
// текущего содержимого таблицы: счётчики нигде не накапливаются.
func (r *PostgresRepository) GetBountyStats(ctx context.Context, bountyID int64) (*model.BountyStats, error) {
	var stats model.BountyStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = $2),
		        COUNT(DISTINCT submitter_id)
		 FROM bounty_submissions
		 WHERE bounty_id = $1`,
		bountyID, string(model.SubmissionStatusApproved),
	).Scan(&stats.TotalSubmissions, &stats.ApprovedSubmissions, &stats.UniqueContributors)
	if err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}

	return &stats, nil
}
