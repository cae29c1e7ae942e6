// Package model содержит доменные сущности портала грантов и баунти.
package model

import "time"

// Role определяет роль пользователя в системе.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// User представляет участника программы с накопленным балансом баллов.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	ExternalID   *string
	Role         Role
	PointBalance int64
	CreatedAt    time.Time
}

// ProposalType описывает тип заявки: проект с вехами или баунти.
type ProposalType string

const (
	ProposalTypeProject ProposalType = "project"
	ProposalTypeBounty  ProposalType = "bounty"
)

// ProposalStatus описывает статус заявки в жизненном цикле ревью.
type ProposalStatus string

const (
	ProposalStatusDraft       ProposalStatus = "draft"
	ProposalStatusSubmitted   ProposalStatus = "submitted"
	ProposalStatusUnderReview ProposalStatus = "under_review"
	ProposalStatusApproved    ProposalStatus = "approved"
	ProposalStatusRejected    ProposalStatus = "rejected"
	ProposalStatusCompleted   ProposalStatus = "completed"
)

// Proposal описывает заявку на проект или баунти вместе с вехами.
type Proposal struct {
	ID          int64
	CreatorID   int64
	Type        ProposalType
	Status      ProposalStatus
	Title       string
	Description string
	TotalPoints int64
	Deadline    *time.Time
	Feedback    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ReviewedAt  *time.Time
	Milestones  []Milestone
}

// MilestoneStatus описывает статус вехи проекта.
type MilestoneStatus string

const (
	MilestoneStatusPending               MilestoneStatus = "pending"
	MilestoneStatusVerificationRequested MilestoneStatus = "verification_requested"
	MilestoneStatusCompleted             MilestoneStatus = "completed"
)

// Milestone описывает веху проектной заявки с собственной долей баллов.
// Статус completed терминален: завершение вехи необратимо.
type Milestone struct {
	ID              int64
	ProposalID      int64
	Title           string
	PointsAllocated int64
	Deadline        *time.Time
	Status          MilestoneStatus
	Feedback        string
	Position        int
}

// SubmissionStatus описывает статус работы, поданной на баунти.
type SubmissionStatus string

const (
	SubmissionStatusPending  SubmissionStatus = "pending"
	SubmissionStatusApproved SubmissionStatus = "approved"
	SubmissionStatusRejected SubmissionStatus = "rejected"
)

// BountySubmission описывает работу одного участника по баунти.
// На пару (bounty_id, submitter_id) допускается ровно одна запись.
type BountySubmission struct {
	ID            int64
	BountyID      int64
	SubmitterID   int64
	Description   string
	Status        SubmissionStatus
	PointsAwarded int64
	Feedback      string
	CreatedAt     time.Time
	ReviewedAt    *time.Time
}

// PayoutEntity определяет вид сущности, за которую начисляются баллы.
type PayoutEntity string

const (
	PayoutEntityBountySubmission PayoutEntity = "bounty_submission"
	PayoutEntityMilestone        PayoutEntity = "milestone"
)

// PayoutStatus описывает статус записи в журнале начислений.
type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusProcessed PayoutStatus = "processed"
)

// Payout представляет запись журнала начислений. Запись создаётся
// атомарно вместе с терминальным переходом статуса и применяется к
// балансу не более одного раза.
type Payout struct {
	ID          int64
	EntityKind  PayoutEntity
	EntityID    int64
	UserID      int64
	Points      int64
	Status      PayoutStatus
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Project — производное представление одобренной проектной заявки.
// Прогресс вычисляется при чтении и нигде не хранится.
type Project struct {
	ProposalID int64      `json:"proposal_id"`
	CreatorID  int64      `json:"creator_id"`
	Title      string     `json:"title"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	Progress   int        `json:"progress"`
}

// BountyStats содержит агрегаты по работам одного баунти.
type BountyStats struct {
	TotalSubmissions    int64 `json:"total_submissions"`
	ApprovedSubmissions int64 `json:"approved_submissions"`
	UniqueContributors  int64 `json:"unique_contributors"`
}

// Balance содержит текущий баланс пользователя и сумму начислений,
// ожидающих применения.
type Balance struct {
	Current int64 `json:"current"`
	Pending int64 `json:"pending"`
}
