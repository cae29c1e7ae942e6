package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/mmeshcher/grantflow-system/internal/model"
)

// CreateProposal сохраняет новую заявку вместе с вехами в одной
// транзакции. Заявка создаётся в статусе draft.
func (r *PostgresRepository) CreateProposal(ctx context.Context, p *model.Proposal) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO proposals (creator_id, type, status, title, description, total_points, deadline)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		p.CreatorID, string(p.Type), string(model.ProposalStatusDraft),
		p.Title, p.Description, p.TotalPoints, p.Deadline,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert proposal: %w", err)
	}

	for i, m := range p.Milestones {
		_, err = tx.Exec(ctx,
			`INSERT INTO milestones (proposal_id, title, points_allocated, deadline, status, position)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, m.Title, m.PointsAllocated, m.Deadline, string(model.MilestoneStatusPending), i,
		)
		if err != nil {
			return 0, fmt.Errorf("insert milestone: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// GetProposalByID возвращает заявку вместе с вехами.
func (r *PostgresRepository) GetProposalByID(ctx context.Context, id int64) (*model.Proposal, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, creator_id, type, status, title, description, total_points,
		        deadline, feedback, created_at, updated_at, reviewed_at
		 FROM proposals WHERE id = $1`,
		id,
	)

	var p model.Proposal
	err := row.Scan(&p.ID, &p.CreatorID, &p.Type, &p.Status, &p.Title, &p.Description,
		&p.TotalPoints, &p.Deadline, &p.Feedback, &p.CreatedAt, &p.UpdatedAt, &p.ReviewedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get proposal: %w", err)
	}

	milestones, err := r.getMilestones(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Milestones = milestones

	return &p, nil
}

func (r *PostgresRepository) getMilestones(ctx context.Context, proposalID int64) ([]model.Milestone, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, proposal_id, title, points_allocated, deadline, status, feedback, position
		 FROM milestones
		 WHERE proposal_id = $1
		 ORDER BY position, id`,
		proposalID,
	)
	if err != nil {
		return nil, fmt.Errorf("select milestones: %w", err)
	}
	defer rows.Close()

	var res []model.Milestone
	for rows.Next() {
		var m model.Milestone
		if err := rows.Scan(&m.ID, &m.ProposalID, &m.Title, &m.PointsAllocated,
			&m.Deadline, &m.Status, &m.Feedback, &m.Position); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListProposalsByCreator возвращает заявки пользователя без вех.
func (r *PostgresRepository) ListProposalsByCreator(ctx context.Context, creatorID int64) ([]model.Proposal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, creator_id, type, status, title, description, total_points,
		        deadline, feedback, created_at, updated_at, reviewed_at
		 FROM proposals
		 WHERE creator_id = $1
		 ORDER BY created_at DESC`,
		creatorID,
	)
	if err != nil {
		return nil, fmt.Errorf("select proposals: %w", err)
	}
	defer rows.Close()

	var res []model.Proposal
	for rows.Next() {
		var p model.Proposal
		if err := rows.Scan(&p.ID, &p.CreatorID, &p.Type, &p.Status, &p.Title, &p.Description,
			&p.TotalPoints, &p.Deadline, &p.Feedback, &p.CreatedAt, &p.UpdatedAt, &p.ReviewedAt); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// milestonePlan описывает согласование хранимого набора вех с новым
// составом: какие вехи удалить, какие вставить и какие обновить.
type milestonePlan struct {
	deleteIDs []int64
	inserts   []model.Milestone
	updates   []model.Milestone
}

// planMilestoneSync строит план согласования набора вех. Вехи без
// идентификатора вставляются, присутствующие в новом составе
// обновляются, остальные удаляются. Завершённая веха уже начислена,
// поэтому из согласования исключается: она не обновляется и не
// удаляется независимо от содержимого нового состава.
func planMilestoneSync(existing, desired []model.Milestone) (milestonePlan, error) {
	byID := make(map[int64]model.Milestone, len(existing))
	for _, m := range existing {
		byID[m.ID] = m
	}

	var plan milestonePlan
	seen := make(map[int64]bool, len(desired))
	for i, m := range desired {
		m.Position = i
		if m.ID == 0 {
			plan.inserts = append(plan.inserts, m)
			continue
		}

		cur, ok := byID[m.ID]
		if !ok {
			return milestonePlan{}, fmt.Errorf("%w: milestone %d", ErrNotFound, m.ID)
		}
		seen[m.ID] = true

		if cur.Status == model.MilestoneStatusCompleted {
			continue
		}
		plan.updates = append(plan.updates, m)
	}

	for _, m := range existing {
		if !seen[m.ID] && m.Status != model.MilestoneStatusCompleted {
			plan.deleteIDs = append(plan.deleteIDs, m.ID)
		}
	}

	return plan, nil
}

// UpdateProposal обновляет поля заявки и согласует набор вех в одной
// транзакции. Обновление обусловлено владельцем и статусом draft;
// набор вех приводится к переданному составу по плану planMilestoneSync.
func (r *PostgresRepository) UpdateProposal(ctx context.Context, p *model.Proposal) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE proposals
		 SET title = $3, description = $4, total_points = $5, deadline = $6, updated_at = now()
		 WHERE id = $1 AND creator_id = $2 AND status = $7`,
		p.ID, p.CreatorID, p.Title, p.Description, p.TotalPoints, p.Deadline,
		string(model.ProposalStatusDraft),
	)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return r.classifyProposalConflict(ctx, p.ID, p.CreatorID)
	}

	existing, err := listMilestoneStates(ctx, tx, p.ID)
	if err != nil {
		return err
	}

	plan, err := planMilestoneSync(existing, p.Milestones)
	if err != nil {
		return err
	}

	if len(plan.deleteIDs) > 0 {
		_, err = tx.Exec(ctx,
			`DELETE FROM milestones WHERE proposal_id = $1 AND id = ANY($2)`,
			p.ID, plan.deleteIDs,
		)
		if err != nil {
			return fmt.Errorf("delete removed milestones: %w", err)
		}
	}

	for _, m := range plan.inserts {
		_, err = tx.Exec(ctx,
			`INSERT INTO milestones (proposal_id, title, points_allocated, deadline, status, position)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ID, m.Title, m.PointsAllocated, m.Deadline, string(model.MilestoneStatusPending), m.Position,
		)
		if err != nil {
			return fmt.Errorf("insert milestone: %w", err)
		}
	}

	for _, m := range plan.updates {
		cmdTag, err = tx.Exec(ctx,
			`UPDATE milestones
			 SET title = $3, points_allocated = $4, deadline = $5, position = $6
			 WHERE id = $1 AND proposal_id = $2 AND status <> $7`,
			m.ID, p.ID, m.Title, m.PointsAllocated, m.Deadline, m.Position,
			string(model.MilestoneStatusCompleted),
		)
		if err != nil {
			return fmt.Errorf("update milestone: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return r.classifyMilestoneConflict(ctx, m.ID, 0)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func listMilestoneStates(ctx context.Context, tx pgx.Tx, proposalID int64) ([]model.Milestone, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, status FROM milestones WHERE proposal_id = $1 ORDER BY position, id`,
		proposalID,
	)
	if err != nil {
		return nil, fmt.Errorf("select milestone states: %w", err)
	}
	defer rows.Close()

	var res []model.Milestone
	for rows.Next() {
		var m model.Milestone
		if err := rows.Scan(&m.ID, &m.Status); err != nil {
			return nil, fmt.Errorf("scan milestone state: %w", err)
		}
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// classifyProposalConflict выясняет причину несработавшего условного
// обновления: заявка не найдена, принадлежит другому пользователю или
// находится в статусе, не допускающем переход.
func (r *PostgresRepository) classifyProposalConflict(ctx context.Context, id, ownerID int64) error {
	var creatorID int64
	var status string
	err := r.pool.QueryRow(ctx,
		`SELECT creator_id, status FROM proposals WHERE id = $1`,
		id,
	).Scan(&creatorID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("select proposal status: %w", err)
	}

	if ownerID != 0 && creatorID != ownerID {
		return ErrNotOwner
	}

	return &InvalidStateError{Current: status}
}

// SubmitProposal переводит заявку из draft в submitted.
func (r *PostgresRepository) SubmitProposal(ctx context.Context, id, ownerID int64) error {
	return r.transitionProposal(ctx, id, ownerID,
		model.ProposalStatusDraft, model.ProposalStatusSubmitted, "", false)
}

// StartProposalReview переводит заявку из submitted в under_review.
func (r *PostgresRepository) StartProposalReview(ctx context.Context, id int64) error {
	return r.transitionProposal(ctx, id, 0,
		model.ProposalStatusSubmitted, model.ProposalStatusUnderReview, "", false)
}

// ReviewProposal переводит заявку из under_review в approved или
// rejected, сохраняя обоснование ревьюера. Оба статуса терминальны
// для ревью: повторная проверка не предусмотрена.
func (r *PostgresRepository) ReviewProposal(ctx context.Context, id int64, approve bool, feedback string) error {
	target := model.ProposalStatusRejected
	if approve {
		target = model.ProposalStatusApproved
	}
	return r.transitionProposal(ctx, id, 0,
		model.ProposalStatusUnderReview, target, feedback, true)
}

// CompleteProposal переводит одобренную заявку в completed.
func (r *PostgresRepository) CompleteProposal(ctx context.Context, id int64) error {
	return r.transitionProposal(ctx, id, 0,
		model.ProposalStatusApproved, model.ProposalStatusCompleted, "", false)
}

// transitionProposal выполняет условный переход статуса: запись
// обновляется только если текущий статус совпадает с ожидаемым, иначе
// вызывающему сообщается фактический статус.
func (r *PostgresRepository) transitionProposal(ctx context.Context, id, ownerID int64, from, to model.ProposalStatus, feedback string, reviewed bool) error {
	set := `status = $2, updated_at = now()`
	args := []any{id, string(to), string(from)}

	if feedback != "" {
		args = append(args, feedback)
		set += fmt.Sprintf(`, feedback = $%d`, len(args))
	}
	if reviewed {
		set += `, reviewed_at = now()`
	}

	cond := `id = $1 AND status = $3`
	if ownerID != 0 {
		args = append(args, ownerID)
		cond += fmt.Sprintf(` AND creator_id = $%d`, len(args))
	}

	query := `UPDATE proposals SET ` + set + ` WHERE ` + cond

	cmdTag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition proposal: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return r.classifyProposalConflict(ctx, id, ownerID)
	}

	return nil
}

// ListProjects возвращает производные проекты: одобренные и
// завершённые проектные заявки со счётчиками вех для вычисления
// прогресса при чтении.
func (r *PostgresRepository) ListProjects(ctx context.Context) ([]model.Project, []MilestoneCounts, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.creator_id, p.title, p.reviewed_at, p.deadline,
		        COUNT(m.id), COUNT(m.id) FILTER (WHERE m.status = $1)
		 FROM proposals p
		 LEFT JOIN milestones m ON m.proposal_id = p.id
		 WHERE p.type = $2 AND p.status IN ($3, $4)
		 GROUP BY p.id
		 ORDER BY p.id DESC`,
		string(model.MilestoneStatusCompleted),
		string(model.ProposalTypeProject),
		string(model.ProposalStatusApproved),
		string(model.ProposalStatusCompleted),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("select projects: %w", err)
	}
	defer rows.Close()

	var projects []model.Project
	var counts []MilestoneCounts
	for rows.Next() {
		var p model.Project
		var c MilestoneCounts
		if err := rows.Scan(&p.ProposalID, &p.CreatorID, &p.Title, &p.StartDate, &p.EndDate,
			&c.Total, &c.Completed); err != nil {
			return nil, nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
		counts = append(counts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows error: %w", err)
	}

	return projects, counts, nil
}

// MilestoneCounts содержит счётчики вех заявки для вычисления прогресса.
type MilestoneCounts struct {
	Total     int64
	Completed int64
}

// GetMilestoneCounts возвращает число вех заявки и число завершённых.
func (r *PostgresRepository) GetMilestoneCounts(ctx context.Context, proposalID int64) (MilestoneCounts, error) {
	var c MilestoneCounts
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $2)
		 FROM milestones
		 WHERE proposal_id = $1`,
		proposalID, string(model.MilestoneStatusCompleted),
	).Scan(&c.Total, &c.Completed)
	if err != nil {
		return MilestoneCounts{}, fmt.Errorf("count milestones: %w", err)
	}
	return c, nil
}
