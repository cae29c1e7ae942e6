package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/grantflow-system/internal/middleware"
	"github.com/mmeshcher/grantflow-system/internal/model"
	"github.com/mmeshcher/grantflow-system/internal/repository"
	"github.com/mmeshcher/grantflow-system/internal/service"
	"github.com/mmeshcher/grantflow-system/internal/validation"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUserID int64
	authErr    error

	tokenUserID int64
	tokenErr    error

	balanceResp *model.Balance
	balanceErr  error

	proposalResp *model.Proposal
	proposalErr  error

	proposalsResp []model.Proposal
	proposalsErr  error

	transitionErr error

	submissionID  int64
	submissionErr error

	milestoneResp *service.MilestoneDetail
	milestoneErr  error

	progressResp int
	progressErr  error

	statsResp *model.BountyStats
	statsErr  error

	projectsResp []model.Project
	projectsErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) AuthenticateByToken(ctx context.Context, token string) (int64, error) {
	return s.tokenUserID, s.tokenErr
}

func (s *stubService) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) CreateProposal(ctx context.Context, creatorID int64, in service.ProposalInput) (*model.Proposal, error) {
	return s.proposalResp, s.proposalErr
}

func (s *stubService) GetProposal(ctx context.Context, id int64) (*model.Proposal, error) {
	return s.proposalResp, s.proposalErr
}

func (s *stubService) ListProposals(ctx context.Context, creatorID int64) ([]model.Proposal, error) {
	return s.proposalsResp, s.proposalsErr
}

func (s *stubService) EditProposal(ctx context.Context, actorID, proposalID int64, in service.ProposalInput) (*model.Proposal, error) {
	return s.proposalResp, s.proposalErr
}

func (s *stubService) SubmitProposal(ctx context.Context, actorID, proposalID int64) error {
	return s.transitionErr
}

func (s *stubService) StartProposalReview(ctx context.Context, actorID, proposalID int64) error {
	return s.transitionErr
}

func (s *stubService) ReviewProposal(ctx context.Context, actorID, proposalID int64, decision, feedback string) error {
	return s.transitionErr
}

func (s *stubService) CompleteProposal(ctx context.Context, actorID, proposalID int64) error {
	return s.transitionErr
}

func (s *stubService) CreateBountySubmission(ctx context.Context, submitterID, bountyID int64, description string) (int64, error) {
	return s.submissionID, s.submissionErr
}

func (s *stubService) ReviewBountySubmission(ctx context.Context, actorID, submissionID int64, decision, feedback string, points int64) error {
	return s.transitionErr
}

func (s *stubService) GetMilestone(ctx context.Context, id int64) (*service.MilestoneDetail, error) {
	return s.milestoneResp, s.milestoneErr
}

func (s *stubService) RequestMilestoneVerification(ctx context.Context, actorID, milestoneID int64) error {
	return s.transitionErr
}

func (s *stubService) ReviewMilestone(ctx context.Context, actorID, milestoneID int64, decision, feedback string) error {
	return s.transitionErr
}

func (s *stubService) GetProjectProgress(ctx context.Context, proposalID int64) (int, error) {
	return s.progressResp, s.progressErr
}

func (s *stubService) GetBountyStats(ctx context.Context, bountyID int64) (*model.BountyStats, error) {
	return s.statsResp, s.statsErr
}

func (s *stubService) ListProjects(ctx context.Context) ([]model.Project, error) {
	return s.projectsResp, s.projectsErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

// authenticatedRequest создаёт запрос с валидным cookie пользователя 1 и
// chi-параметром id, когда он нужен обработчику.
func authenticatedRequest(t *testing.T, h *Handler, method, target string, body []byte, id int64) *http.Request {
	t.Helper()

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, 1)
	req.AddCookie(rec.Result().Cookies()[0])

	if id != 0 {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", fmt.Sprintf("%d", id))
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}

	return req
}

func serveAuthenticated(h *Handler, handlerFunc http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.authMiddleware.Middleware(handlerFunc).ServeHTTP(rec, req)
	return rec
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{registerUserID: 42}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "pass"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("expected auth cookie to be set")
	}
}

func TestRegister_DuplicateLoginConflict(t *testing.T) {
	svc := &stubService{registerErr: repository.ErrUserExists}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "pass"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: service.ErrInvalidCredentials}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{Login: "user", Password: "wrong"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestLoginToken_ProviderThrottled(t *testing.T) {
	svc := &stubService{tokenErr: &service.IdentityThrottledError{RetryAfter: 30 * time.Second}}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(tokenLoginRequest{Token: "abc"})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login/token", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.LoginToken(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
	if got := res.Header.Get("Retry-After"); got != "30" {
		t.Fatalf("Retry-After = %q, want 30", got)
	}
}

func TestCreateProposal_ValidationError(t *testing.T) {
	svc := &stubService{
		proposalErr: fmt.Errorf("%w: title must not be empty", validation.ErrInvalidInput),
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(proposalRequest{Type: "project"})
	req := authenticatedRequest(t, h, http.MethodPost, "/api/proposals", body, 0)
	rec := serveAuthenticated(h, h.CreateProposal, req)

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestListProposals_NoContent(t *testing.T) {
	svc := &stubService{proposalsResp: []model.Proposal{}}
	h := newTestHandler(t, svc)

	req := authenticatedRequest(t, h, http.MethodGet, "/api/proposals", nil, 0)
	rec := serveAuthenticated(h, h.ListProposals, req)

	if rec.Result().StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNoContent)
	}
}

func TestReviewProposal_Forbidden(t *testing.T) {
	svc := &stubService{transitionErr: service.ErrForbidden}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(reviewRequest{Decision: "approve", Feedback: "ok"})
	req := authenticatedRequest(t, h, http.MethodPost, "/api/proposals/5/review", body, 5)
	rec := serveAuthenticated(h, h.ReviewProposal, req)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
}

func TestSubmitProposal_InvalidStateConflict(t *testing.T) {
	svc := &stubService{transitionErr: &repository.InvalidStateError{Current: "approved"}}
	h := newTestHandler(t, svc)

	req := authenticatedRequest(t, h, http.MethodPost, "/api/proposals/5/submit", nil, 5)
	rec := serveAuthenticated(h, h.SubmitProposal, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	var resp map[string]string
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["current_status"] != "approved" {
		t.Fatalf("current_status = %q, want approved", resp["current_status"])
	}
}

func TestCreateBountySubmission_DuplicateConflict(t *testing.T) {
	svc := &stubService{submissionErr: &repository.DuplicateSubmissionError{ExistingID: 31}}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(submissionRequest{Description: "my work"})
	req := authenticatedRequest(t, h, http.MethodPost, "/api/bounties/7/submissions", body, 7)
	rec := serveAuthenticated(h, h.CreateBountySubmission, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	var resp map[string]int64
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["existing_submission_id"] != 31 {
		t.Fatalf("existing_submission_id = %d, want 31", resp["existing_submission_id"])
	}
}

func TestCreateBountySubmission_Created(t *testing.T) {
	svc := &stubService{submissionID: 31}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(submissionRequest{Description: "my work"})
	req := authenticatedRequest(t, h, http.MethodPost, "/api/bounties/7/submissions", body, 7)
	rec := serveAuthenticated(h, h.CreateBountySubmission, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp submissionCreatedResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 31 {
		t.Fatalf("id = %d, want 31", resp.ID)
	}
}

func TestGetMilestone_NotFound(t *testing.T) {
	svc := &stubService{milestoneErr: repository.ErrNotFound}
	h := newTestHandler(t, svc)

	req := authenticatedRequest(t, h, http.MethodGet, "/api/milestones/4", nil, 4)
	rec := serveAuthenticated(h, h.GetMilestone, req)

	if rec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNotFound)
	}
}

func TestGetProjectProgress_JSONResponse(t *testing.T) {
	svc := &stubService{progressResp: 25}
	h := newTestHandler(t, svc)

	req := authenticatedRequest(t, h, http.MethodGet, "/api/projects/5/progress", nil, 5)
	rec := serveAuthenticated(h, h.GetProjectProgress, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp progressResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Progress != 25 {
		t.Fatalf("progress = %d, want 25", resp.Progress)
	}
}

func TestGetBalance_JSONResponse(t *testing.T) {
	svc := &stubService{balanceResp: &model.Balance{Current: 150, Pending: 40}}
	h := newTestHandler(t, svc)

	req := authenticatedRequest(t, h, http.MethodGet, "/api/user/balance", nil, 0)
	rec := serveAuthenticated(h, h.GetBalance, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp model.Balance
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Current != 150 || resp.Pending != 40 {
		t.Fatalf("balance = %+v, want {150 40}", resp)
	}
}
