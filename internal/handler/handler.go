// Package handler содержит HTTP-обработчики API портала грантов и баунти.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/grantflow-system/internal/middleware"
	"github.com/mmeshcher/grantflow-system/internal/model"
	"github.com/mmeshcher/grantflow-system/internal/repository"
	"github.com/mmeshcher/grantflow-system/internal/service"
	"github.com/mmeshcher/grantflow-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateByToken(ctx context.Context, token string) (int64, error)
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)

	CreateProposal(ctx context.Context, creatorID int64, in service.ProposalInput) (*model.Proposal, error)
	GetProposal(ctx context.Context, id int64) (*model.Proposal, error)
	ListProposals(ctx context.Context, creatorID int64) ([]model.Proposal, error)
	EditProposal(ctx context.Context, actorID, proposalID int64, in service.ProposalInput) (*model.Proposal, error)
	SubmitProposal(ctx context.Context, actorID, proposalID int64) error
	StartProposalReview(ctx context.Context, actorID, proposalID int64) error
	ReviewProposal(ctx context.Context, actorID, proposalID int64, decision, feedback string) error
	CompleteProposal(ctx context.Context, actorID, proposalID int64) error

	CreateBountySubmission(ctx context.Context, submitterID, bountyID int64, description string) (int64, error)
	ReviewBountySubmission(ctx context.Context, actorID, submissionID int64, decision, feedback string, points int64) error

	GetMilestone(ctx context.Context, id int64) (*service.MilestoneDetail, error)
	RequestMilestoneVerification(ctx context.Context, actorID, milestoneID int64) error
	ReviewMilestone(ctx context.Context, actorID, milestoneID int64, decision, feedback string) error

	GetProjectProgress(ctx context.Context, proposalID int64) (int, error)
	GetBountyStats(ctx context.Context, bountyID int64) (*model.BountyStats, error)
	ListProjects(ctx context.Context) ([]model.Project, error)
}

// Handler реализует HTTP-обработчики API портала.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// respondError переводит ошибки бизнес-логики в HTTP-статусы. Переходы
// в недопустимом состоянии и дубликаты отвечают 409 с деталями, чтобы
// вызывающий мог согласовать своё представление.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var duplicate *repository.DuplicateSubmissionError
	var invalidState *repository.InvalidStateError

	switch {
	case errors.Is(err, validation.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.As(err, &duplicate):
		h.writeJSON(w, http.StatusConflict, map[string]int64{
			"existing_submission_id": duplicate.ExistingID,
		})
	case errors.As(err, &invalidState):
		h.writeJSON(w, http.StatusConflict, map[string]string{
			"current_status": invalidState.Current,
		})
	case errors.Is(err, repository.ErrUserExists):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("internal error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return 0, false
	}
	return userID, true
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового участника.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию по логину и паролю и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type tokenLoginRequest struct {
	Token string `json:"token"`
}

// LoginToken выполняет вход по токену внешнего провайдера идентификации.
func (h *Handler) LoginToken(w http.ResponseWriter, r *http.Request) {
	var req tokenLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateByToken(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, service.ErrInvalidToken) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		var throttled *service.IdentityThrottledError
		if errors.As(err, &throttled) {
			if throttled.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(throttled.RetryAfter/time.Second)))
			}
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("token login error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

type milestoneRequest struct {
	ID              int64  `json:"id,omitempty"`
	Title           string `json:"title"`
	PointsAllocated int64  `json:"points_allocated"`
	Deadline        string `json:"deadline,omitempty"`
}

type proposalRequest struct {
	Type        string             `json:"type,omitempty"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	TotalPoints int64              `json:"total_points"`
	Deadline    string             `json:"deadline,omitempty"`
	Milestones  []milestoneRequest `json:"milestones,omitempty"`
}

func (req proposalRequest) toInput() service.ProposalInput {
	in := service.ProposalInput{
		Type:        req.Type,
		Title:       req.Title,
		Description: req.Description,
		TotalPoints: req.TotalPoints,
		Deadline:    req.Deadline,
	}
	for _, m := range req.Milestones {
		in.Milestones = append(in.Milestones, service.MilestoneInput{
			ID:              m.ID,
			Title:           m.Title,
			PointsAllocated: m.PointsAllocated,
			Deadline:        m.Deadline,
		})
	}
	return in
}

type milestoneResponse struct {
	ID              int64  `json:"id"`
	ProposalID      int64  `json:"proposal_id"`
	Title           string `json:"title"`
	PointsAllocated int64  `json:"points_allocated"`
	Deadline        string `json:"deadline,omitempty"`
	Status          string `json:"status"`
	Feedback        string `json:"feedback,omitempty"`
}

type proposalResponse struct {
	ID          int64               `json:"id"`
	CreatorID   int64               `json:"creator_id"`
	Type        string              `json:"type"`
	Status      string              `json:"status"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	TotalPoints int64               `json:"total_points"`
	Deadline    string              `json:"deadline,omitempty"`
	Feedback    string              `json:"feedback,omitempty"`
	CreatedAt   string              `json:"created_at"`
	Milestones  []milestoneResponse `json:"milestones,omitempty"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func toMilestoneResponse(m model.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:              m.ID,
		ProposalID:      m.ProposalID,
		Title:           m.Title,
		PointsAllocated: m.PointsAllocated,
		Deadline:        formatTime(m.Deadline),
		Status:          string(m.Status),
		Feedback:        m.Feedback,
	}
}

func toProposalResponse(p *model.Proposal) proposalResponse {
	resp := proposalResponse{
		ID:          p.ID,
		CreatorID:   p.CreatorID,
		Type:        string(p.Type),
		Status:      string(p.Status),
		Title:       p.Title,
		Description: p.Description,
		TotalPoints: p.TotalPoints,
		Deadline:    formatTime(p.Deadline),
		Feedback:    p.Feedback,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
	for _, m := range p.Milestones {
		resp.Milestones = append(resp.Milestones, toMilestoneResponse(m))
	}
	return resp
}

// CreateProposal создаёт черновик заявки текущего пользователя.
func (h *Handler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req proposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.CreateProposal(r.Context(), userID, req.toInput())
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toProposalResponse(p))
}

// ListProposals возвращает заявки текущего пользователя.
func (h *Handler) ListProposals(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	proposals, err := h.service.ListProposals(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	if len(proposals) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]proposalResponse, 0, len(proposals))
	for i := range proposals {
		resp = append(resp, toProposalResponse(&proposals[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetProposal возвращает заявку с вехами.
func (h *Handler) GetProposal(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.GetProposal(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toProposalResponse(p))
}

// EditProposal обновляет черновик заявки владельца вместе с набором вех.
func (h *Handler) EditProposal(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req proposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.EditProposal(r.Context(), userID, id, req.toInput())
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toProposalResponse(p))
}

// SubmitProposal отправляет черновик на рассмотрение.
func (h *Handler) SubmitProposal(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SubmitProposal(r.Context(), userID, id); err != nil {
		h.respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// StartProposalReview берёт заявку в рассмотрение ревьюером.
func (h *Handler) StartProposalReview(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.StartProposalReview(r.Context(), userID, id); err != nil {
		h.respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type reviewRequest struct {
	Decision string `json:"decision"`
	Feedback string `json:"feedback"`
	Points   int64  `json:"points,omitempty"`
}

// ReviewProposal одобряет или отклоняет заявку на рассмотрении.
func (h *Handler) ReviewProposal(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ReviewProposal(r.Context(), userID, id, req.Decision, req.Feedback); err != nil {
		h.respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// CompleteProposal переводит одобренную заявку в completed.
func (h *Handler) CompleteProposal(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.CompleteProposal(r.Context(), userID, id); err != nil {
		h.respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type submissionRequest struct {
	Description string `json:"description"`
}

type submissionCreatedResponse struct {
	ID int64 `json:"id"`
}

// CreateBountySubmission принимает работу текущего пользователя по баунти.
func (h *Handler) CreateBountySubmission(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	bountyID, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req submissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateBountySubmission(r.Context(), userID, bountyID, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, submissionCreatedResponse{ID: id})
}

// ReviewBountySubmission одобряет или отклоняет работу по баунти.
func (h *Handler) ReviewBountySubmission(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ReviewBountySubmission(r.Context(), userID, id, req.Decision, req.Feedback, req.Points); err != nil {
		h.respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type milestoneDetailResponse struct {
	Milestone milestoneResponse `json:"milestone"`
	Proposal  proposalResponse  `json:"proposal"`
}

// GetMilestone возвращает веху вместе с её заявкой.
func (h *Handler) GetMilestone(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	detail, err := h.service.GetMilestone(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, milestoneDetailResponse{
		Milestone: toMilestoneResponse(detail.Milestone),
		Proposal:  toProposalResponse(&detail.Proposal),
	})
}

// RequestMilestoneVerification отправляет веху на проверку.
func (h *Handler) RequestMilestoneVerification(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RequestMilestoneVerification(r.Context(), userID, id); err != nil {
		h.respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ReviewMilestone завершает веху или возвращает её в работу.
func (h *Handler) ReviewMilestone(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ReviewMilestone(r.Context(), userID, id, req.Decision, req.Feedback); err != nil {
		h.respondError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type progressResponse struct {
	Progress int `json:"progress"`
}

// GetProjectProgress возвращает производный процент готовности проекта.
func (h *Handler) GetProjectProgress(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	progress, err := h.service.GetProjectProgress(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, progressResponse{Progress: progress})
}

// GetBountyStats возвращает агрегаты по работам баунти.
func (h *Handler) GetBountyStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}

	id, err := idParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	stats, err := h.service.GetBountyStats(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// ListProjects возвращает производные проекты.
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}

	projects, err := h.service.ListProjects(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}

	if len(projects) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, projects)
}
