package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/grantflow-system/internal/model"
)

// GetMilestoneByID возвращает веху вместе с данными её заявки,
// необходимыми для проверок владения и начисления.
func (r *PostgresRepository) GetMilestoneByID(ctx context.Context, id int64) (*model.Milestone, *model.Proposal, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT m.id, m.proposal_id, m.title, m.points_allocated, m.deadline, m.status, m.feedback, m.position,
		        p.id, p.creator_id, p.type, p.status, p.title, p.total_points
		 FROM milestones m
		 JOIN proposals p ON p.id = m.proposal_id
		 WHERE m.id = $1`,
		id,
	)

	var m model.Milestone
	var p model.Proposal
	err := row.Scan(&m.ID, &m.ProposalID, &m.Title, &m.PointsAllocated, &m.Deadline, &m.Status, &m.Feedback, &m.Position,
		&p.ID, &p.CreatorID, &p.Type, &p.Status, &p.Title, &p.TotalPoints)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get milestone: %w", err)
	}

	return &m, &p, nil
}

// RequestMilestoneVerification переводит веху из pending в
// verification_requested. Запросить проверку может только создатель
// заявки; владение проверяется в самом условном обновлении.
func (r *PostgresRepository) RequestMilestoneVerification(ctx context.Context, milestoneID, userID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE milestones m
		 SET status = $3
		 FROM proposals p
		 WHERE m.id = $1 AND m.proposal_id = p.id
		   AND p.creator_id = $2 AND m.status = $4`,
		milestoneID, userID,
		string(model.MilestoneStatusVerificationRequested),
		string(model.MilestoneStatusPending),
	)
	if err != nil {
		return fmt.Errorf("request verification: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return r.classifyMilestoneConflict(ctx, milestoneID, userID)
	}

	return nil
}

// ReviewMilestone завершает или возвращает веху после запроса
// проверки. Одобрение переводит веху в терминальный completed и в той
// же транзакции пишет запись журнала начислений на создателя заявки;
// отклонение возвращает веху в pending с комментарием ревьюера.
func (r *PostgresRepository) ReviewMilestone(ctx context.Context, milestoneID int64, approve bool, feedback string) (int64, error) {
	if !approve {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE milestones SET status = $2, feedback = $3 WHERE id = $1 AND status = $4`,
			milestoneID, string(model.MilestoneStatusPending), feedback,
			string(model.MilestoneStatusVerificationRequested),
		)
		if err != nil {
			return 0, fmt.Errorf("reject milestone: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return 0, r.classifyMilestoneConflict(ctx, milestoneID, 0)
		}
		return 0, nil
	}

	var payoutID int64
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var creatorID, points int64
		err = tx.QueryRow(ctx,
			`UPDATE milestones m
			 SET status = $2, feedback = $3
			 FROM proposals p
			 WHERE m.id = $1 AND m.proposal_id = p.id AND m.status = $4
			 RETURNING p.creator_id, m.points_allocated`,
			milestoneID, string(model.MilestoneStatusCompleted), feedback,
			string(model.MilestoneStatusVerificationRequested),
		).Scan(&creatorID, &points)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return r.classifyMilestoneConflict(ctx, milestoneID, 0)
			}
			return fmt.Errorf("complete milestone: %w", err)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO payouts (entity_kind, entity_id, user_id, points)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id`,
			string(model.PayoutEntityMilestone), milestoneID, creatorID, points,
		).Scan(&payoutID)
		if err != nil {
			return fmt.Errorf("insert payout: %w", err)
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

func (r *PostgresRepository) classifyMilestoneConflict(ctx context.Context, milestoneID, ownerID int64) error {
	var creatorID int64
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT p.creator_id, m.status
		 FROM milestones m
		 JOIN proposals p ON p.id = m.proposal_id
		 WHERE m.id = $1`,
		milestoneID,
	).Scan(&creatorID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("select milestone status: %w", err)
	}

	if ownerID != 0 && creatorID != ownerID {
		return ErrNotOwner
	}

	return &InvalidStateError{Current: status}
}
