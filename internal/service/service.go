// Package service реализует бизнес-логику портала грантов и баунти:
// жизненный цикл заявок, ревью и журнал начислений.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/grantflow-system/internal/identity"
	"github.com/mmeshcher/grantflow-system/internal/model"
	"github.com/mmeshcher/grantflow-system/internal/repository"
	"github.com/mmeshcher/grantflow-system/internal/validation"
)

// ErrForbidden возвращается, когда у вызывающего нет нужной роли или
// прав владения. Проверка выполняется заново в момент мутации:
// признак администратора на клиенте никогда не считается достаточным.
var (
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken возвращается, когда провайдер идентификации отклонил токен.
	ErrInvalidToken = errors.New("invalid identity token")
)

// IdentityThrottledError возвращается, когда провайдер идентификации
// ограничил частоту запросов. RetryAfter сообщает интервал, после
// которого вход можно повторить.
type IdentityThrottledError struct {
	RetryAfter time.Duration
}

func (e *IdentityThrottledError) Error() string {
	return fmt.Sprintf("identity provider throttled, retry after %s", e.RetryAfter)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	FindOrCreateExternalUser(ctx context.Context, externalID, login string) (int64, error)
	GetBalance(ctx context.Context, userID int64) (int64, int64, error)

	CreateProposal(ctx context.Context, p *model.Proposal) (int64, error)
	GetProposalByID(ctx context.Context, id int64) (*model.Proposal, error)
	ListProposalsByCreator(ctx context.Context, creatorID int64) ([]model.Proposal, error)
	UpdateProposal(ctx context.Context, p *model.Proposal) error
	SubmitProposal(ctx context.Context, id, ownerID int64) error
	StartProposalReview(ctx context.Context, id int64) error
	ReviewProposal(ctx context.Context, id int64, approve bool, feedback string) error
	CompleteProposal(ctx context.Context, id int64) error

	CreateBountySubmission(ctx context.Context, bountyID, submitterID int64, description string) (int64, error)
	GetBountySubmissionByID(ctx context.Context, id int64) (*model.BountySubmission, error)
	ReviewBountySubmission(ctx context.Context, id int64, approve bool, feedback string, points int64) (int64, error)

	GetMilestoneByID(ctx context.Context, id int64) (*model.Milestone, *model.Proposal, error)
	RequestMilestoneVerification(ctx context.Context, milestoneID, userID int64) error
	ReviewMilestone(ctx context.Context, milestoneID int64, approve bool, feedback string) (int64, error)

	ListProjects(ctx context.Context) ([]model.Project, []repository.MilestoneCounts, error)
	GetMilestoneCounts(ctx context.Context, proposalID int64) (repository.MilestoneCounts, error)
	GetBountyStats(ctx context.Context, bountyID int64) (*model.BountyStats, error)

	GetPendingPayouts(ctx context.Context, limit int) ([]model.Payout, error)
	SettlePayout(ctx context.Context, payoutID int64) error
}

// Service содержит бизнес-логику портала грантов и баунти.
type Service struct {
	repo           Repository
	identityClient *identity.Client
	logger         *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом
// провайдера идентификации.
func NewService(repo Repository, identityClient *identity.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:           repo,
		identityClient: identityClient,
		logger:         logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового участника с ролью member.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	if err := validation.RequireText("login", login); err != nil {
		return 0, err
	}
	if err := validation.RequireText("password", password); err != nil {
		return 0, err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	return s.repo.CreateUser(ctx, login, hashed)
}

// AuthenticateUser проверяет логин и пароль и возвращает идентификатор пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	if len(u.PasswordHash) == 0 {
		return 0, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

// AuthenticateByToken проверяет токен у внешнего провайдера и
// возвращает идентификатор локального пользователя, создавая профиль
// при первом входе.
func (s *Service) AuthenticateByToken(ctx context.Context, token string) (int64, error) {
	if s.identityClient == nil {
		return 0, ErrInvalidToken
	}

	info, statusCode, retryAfter, err := s.identityClient.GetUserInfo(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("identity provider: %w", err)
	}
	if statusCode == http.StatusTooManyRequests {
		return 0, &IdentityThrottledError{RetryAfter: retryAfter}
	}
	if info == nil || statusCode != http.StatusOK {
		return 0, ErrInvalidToken
	}

	return s.repo.FindOrCreateExternalUser(ctx, info.Subject, info.Login)
}

// GetBalance возвращает баланс пользователя и сумму ожидающих начислений.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	current, pending, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Current: current,
		Pending: pending,
	}, nil
}

// requireAdmin заново читает действующего пользователя и проверяет
// роль admin непосредственно перед мутацией.
func (s *Service) requireAdmin(ctx context.Context, actorID int64) error {
	u, err := s.repo.GetUserByID(ctx, actorID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrForbidden
		}
		return err
	}
	if u.Role != model.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// MilestoneInput описывает веху в составе заявки. Нулевой ID означает
// новую веху; ненулевой должен соответствовать существующей.
type MilestoneInput struct {
	ID              int64
	Title           string
	PointsAllocated int64
	Deadline        string
}

// ProposalInput описывает поля заявки при создании и редактировании.
type ProposalInput struct {
	Type        string
	Title       string
	Description string
	TotalPoints int64
	Deadline    string
	Milestones  []MilestoneInput
}

func (s *Service) validateProposalInput(in ProposalInput, typ model.ProposalType) ([]model.Milestone, *time.Time, error) {
	if err := validation.RequireText("title", in.Title); err != nil {
		return nil, nil, err
	}
	if err := validation.RequireText("description", in.Description); err != nil {
		return nil, nil, err
	}
	if err := validation.PositivePoints("total_points", in.TotalPoints); err != nil {
		return nil, nil, err
	}

	deadline, err := validation.ParseDeadline(in.Deadline)
	if err != nil {
		return nil, nil, err
	}

	if len(in.Milestones) > 0 && typ != model.ProposalTypeProject {
		return nil, nil, fmt.Errorf("%w: milestones are allowed only for project proposals", validation.ErrInvalidInput)
	}

	milestones := make([]model.Milestone, 0, len(in.Milestones))
	allocations := make([]int64, 0, len(in.Milestones))
	for _, m := range in.Milestones {
		if err := validation.RequireText("milestone title", m.Title); err != nil {
			return nil, nil, err
		}
		if err := validation.PositivePoints("milestone points", m.PointsAllocated); err != nil {
			return nil, nil, err
		}
		md, err := validation.ParseDeadline(m.Deadline)
		if err != nil {
			return nil, nil, err
		}
		milestones = append(milestones, model.Milestone{
			ID:              m.ID,
			Title:           m.Title,
			PointsAllocated: m.PointsAllocated,
			Deadline:        md,
		})
		allocations = append(allocations, m.PointsAllocated)
	}

	if err := validation.MilestonesWithinBudget(in.TotalPoints, allocations); err != nil {
		return nil, nil, err
	}

	return milestones, deadline, nil
}

// CreateProposal создаёт заявку в статусе draft от имени пользователя.
func (s *Service) CreateProposal(ctx context.Context, creatorID int64, in ProposalInput) (*model.Proposal, error) {
	typ := model.ProposalType(in.Type)
	if typ != model.ProposalTypeProject && typ != model.ProposalTypeBounty {
		return nil, fmt.Errorf("%w: type must be project or bounty", validation.ErrInvalidInput)
	}

	milestones, deadline, err := s.validateProposalInput(in, typ)
	if err != nil {
		return nil, err
	}

	p := &model.Proposal{
		CreatorID:   creatorID,
		Type:        typ,
		Title:       in.Title,
		Description: in.Description,
		TotalPoints: in.TotalPoints,
		Deadline:    deadline,
		Milestones:  milestones,
	}

	id, err := s.repo.CreateProposal(ctx, p)
	if err != nil {
		return nil, err
	}

	return s.repo.GetProposalByID(ctx, id)
}

// GetProposal возвращает заявку с вехами.
func (s *Service) GetProposal(ctx context.Context, id int64) (*model.Proposal, error) {
	return s.repo.GetProposalByID(ctx, id)
}

// ListProposals возвращает заявки пользователя.
func (s *Service) ListProposals(ctx context.Context, creatorID int64) ([]model.Proposal, error) {
	return s.repo.ListProposalsByCreator(ctx, creatorID)
}

// EditProposal обновляет заявку владельца, пока она в статусе draft.
// Набор вех согласуется с переданным списком атомарно с обновлением
// остальных полей заявки.
func (s *Service) EditProposal(ctx context.Context, actorID, proposalID int64, in ProposalInput) (*model.Proposal, error) {
	current, err := s.repo.GetProposalByID(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	milestones, deadline, err := s.validateProposalInput(in, current.Type)
	if err != nil {
		return nil, err
	}

	p := &model.Proposal{
		ID:          proposalID,
		CreatorID:   actorID,
		Title:       in.Title,
		Description: in.Description,
		TotalPoints: in.TotalPoints,
		Deadline:    deadline,
		Milestones:  milestones,
	}

	if err := s.repo.UpdateProposal(ctx, p); err != nil {
		if errors.Is(err, repository.ErrNotOwner) {
			return nil, ErrForbidden
		}
		return nil, err
	}

	return s.repo.GetProposalByID(ctx, proposalID)
}

// SubmitProposal отправляет черновик владельца на рассмотрение.
func (s *Service) SubmitProposal(ctx context.Context, actorID, proposalID int64) error {
	err := s.repo.SubmitProposal(ctx, proposalID, actorID)
	if errors.Is(err, repository.ErrNotOwner) {
		return ErrForbidden
	}
	return err
}

// StartProposalReview берёт отправленную заявку в работу ревьюером.
func (s *Service) StartProposalReview(ctx context.Context, actorID, proposalID int64) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}
	return s.repo.StartProposalReview(ctx, proposalID)
}

// ReviewProposal одобряет или отклоняет заявку на рассмотрении.
// Обоснование обязательно для обоих решений.
func (s *Service) ReviewProposal(ctx context.Context, actorID, proposalID int64, decision, feedback string) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}

	approve, err := parseDecision(decision)
	if err != nil {
		return err
	}
	if err := validation.RequireText("feedback", feedback); err != nil {
		return err
	}

	return s.repo.ReviewProposal(ctx, proposalID, approve, feedback)
}

// CompleteProposal переводит одобренную заявку в completed. Проектная
// заявка может быть завершена только после завершения всех вех.
func (s *Service) CompleteProposal(ctx context.Context, actorID, proposalID int64) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}

	p, err := s.repo.GetProposalByID(ctx, proposalID)
	if err != nil {
		return err
	}

	if p.Type == model.ProposalTypeProject {
		for _, m := range p.Milestones {
			if m.Status != model.MilestoneStatusCompleted {
				return fmt.Errorf("%w: milestone %d is not completed", validation.ErrInvalidInput, m.ID)
			}
		}
	}

	return s.repo.CompleteProposal(ctx, proposalID)
}

// CreateBountySubmission принимает работу участника по баунти. Подача
// отклоняется, если баунти не одобрено, его срок уже истёк или у
// участника уже есть работа по этому баунти.
func (s *Service) CreateBountySubmission(ctx context.Context, submitterID, bountyID int64, description string) (int64, error) {
	if err := validation.RequireText("description", description); err != nil {
		return 0, err
	}

	bounty, err := s.repo.GetProposalByID(ctx, bountyID)
	if err != nil {
		return 0, err
	}
	if bounty.Type != model.ProposalTypeBounty {
		return 0, fmt.Errorf("%w: proposal %d is not a bounty", validation.ErrInvalidInput, bountyID)
	}
	if bounty.Status != model.ProposalStatusApproved {
		return 0, &repository.InvalidStateError{Current: string(bounty.Status)}
	}
	if bounty.Deadline != nil && !bounty.Deadline.After(time.Now().UTC()) {
		return 0, fmt.Errorf("%w: bounty deadline has passed", validation.ErrInvalidInput)
	}

	return s.repo.CreateBountySubmission(ctx, bountyID, submitterID, description)
}

// ReviewBountySubmission одобряет или отклоняет работу по баунти.
// Начисляемые баллы фиксируются ровно один раз при переходе
// pending → approved и не превышают бюджет баунти. После перехода
// сервис сразу пытается применить начисление к балансу.
func (s *Service) ReviewBountySubmission(ctx context.Context, actorID, submissionID int64, decision, feedback string, points int64) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}

	approve, err := parseDecision(decision)
	if err != nil {
		return err
	}
	if err := validation.RequireText("feedback", feedback); err != nil {
		return err
	}

	if approve {
		sub, err := s.repo.GetBountySubmissionByID(ctx, submissionID)
		if err != nil {
			return err
		}
		bounty, err := s.repo.GetProposalByID(ctx, sub.BountyID)
		if err != nil {
			return err
		}
		if err := validation.PointsWithinLimit("points", points, bounty.TotalPoints); err != nil {
			return err
		}
	} else {
		points = 0
	}

	payoutID, err := s.repo.ReviewBountySubmission(ctx, submissionID, approve, feedback, points)
	if err != nil {
		return err
	}

	s.settleInline(ctx, payoutID)
	return nil
}

// RequestMilestoneVerification отправляет веху на проверку. Это
// самообслуживание создателя заявки: роль admin не требуется.
func (s *Service) RequestMilestoneVerification(ctx context.Context, actorID, milestoneID int64) error {
	err := s.repo.RequestMilestoneVerification(ctx, milestoneID, actorID)
	if errors.Is(err, repository.ErrNotOwner) {
		return ErrForbidden
	}
	return err
}

// ReviewMilestone завершает веху или возвращает её в работу.
// Завершение терминально и сопровождается начислением points_allocated
// создателю заявки ровно один раз.
func (s *Service) ReviewMilestone(ctx context.Context, actorID, milestoneID int64, decision, feedback string) error {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return err
	}

	approve, err := parseDecision(decision)
	if err != nil {
		return err
	}
	if err := validation.RequireText("feedback", feedback); err != nil {
		return err
	}

	payoutID, err := s.repo.ReviewMilestone(ctx, milestoneID, approve, feedback)
	if err != nil {
		return err
	}

	if approve {
		s.settleInline(ctx, payoutID)
	}
	return nil
}

// MilestoneDetail — нормализованная форма вехи вместе с её заявкой.
// Связанная заявка присутствует всегда и ровно одна: бизнес-логика и
// обработчики не ветвятся по форме связи.
type MilestoneDetail struct {
	Milestone model.Milestone
	Proposal  model.Proposal
}

// GetMilestone возвращает веху с данными её заявки.
func (s *Service) GetMilestone(ctx context.Context, id int64) (*MilestoneDetail, error) {
	m, p, err := s.repo.GetMilestoneByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &MilestoneDetail{Milestone: *m, Proposal: *p}, nil
}

// GetProjectProgress возвращает процент завершённых вех заявки,
// округлённый вниз. Для заявки без вех прогресс равен нулю.
func (s *Service) GetProjectProgress(ctx context.Context, proposalID int64) (int, error) {
	if _, err := s.repo.GetProposalByID(ctx, proposalID); err != nil {
		return 0, err
	}

	counts, err := s.repo.GetMilestoneCounts(ctx, proposalID)
	if err != nil {
		return 0, err
	}

	return progressPercent(counts.Completed, counts.Total), nil
}

// GetBountyStats возвращает агрегаты по работам баунти.
func (s *Service) GetBountyStats(ctx context.Context, bountyID int64) (*model.BountyStats, error) {
	bounty, err := s.repo.GetProposalByID(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if bounty.Type != model.ProposalTypeBounty {
		return nil, fmt.Errorf("%w: proposal %d is not a bounty", validation.ErrInvalidInput, bountyID)
	}

	return s.repo.GetBountyStats(ctx, bountyID)
}

// ListProjects возвращает производные проекты с прогрессом,
// вычисленным при чтении.
func (s *Service) ListProjects(ctx context.Context) ([]model.Project, error) {
	projects, counts, err := s.repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}

	for i := range projects {
		projects[i].Progress = progressPercent(counts[i].Completed, counts[i].Total)
	}

	return projects, nil
}

func progressPercent(completed, total int64) int {
	if total == 0 {
		return 0
	}
	return int(completed * 100 / total)
}

func parseDecision(decision string) (bool, error) {
	switch decision {
	case "approve":
		return true, nil
	case "reject":
		return false, nil
	default:
		return false, fmt.Errorf("%w: decision must be approve or reject", validation.ErrInvalidInput)
	}
}

// settleInline применяет начисление сразу после одобрения. Сбой
// применения логируется как элемент сверки и не откатывает смену
// статуса: запись журнала остаётся pending, её подберёт фоновый
// процесс.
func (s *Service) settleInline(ctx context.Context, payoutID int64) {
	if payoutID == 0 {
		return
	}

	err := s.repo.SettlePayout(ctx, payoutID)
	if err != nil && !errors.Is(err, repository.ErrPayoutNotPending) {
		s.logger.Error("payout credit failure",
			zap.Int64("payoutID", payoutID),
			zap.Error(err),
		)
	}
}

// StartPayoutSettlement запускает фоновый процесс применения
// отложенных начислений к балансам.
func (s *Service) StartPayoutSettlement(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPayoutBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPayoutBatch(ctx context.Context) {
	payouts, err := s.repo.GetPendingPayouts(ctx, 100)
	if err != nil {
		return
	}

	for _, p := range payouts {
		err := s.repo.SettlePayout(ctx, p.ID)
		if err != nil && !errors.Is(err, repository.ErrPayoutNotPending) {
			s.logger.Error("payout credit failure",
				zap.Int64("payoutID", p.ID),
				zap.Error(err),
			)
		}
	}
}
