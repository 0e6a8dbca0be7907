package models

import "time"

type Role string

const (
	RoleFieldWorker Role = "field_worker"
	RoleAdmin       Role = "admin"
	RoleSuperAdmin  Role = "super_admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleFieldWorker, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

type Identity struct {
	ID           string
	Email        string
	Name         string
	Phone        *string
	PasswordHash string
	Role         Role
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

type Result string

const (
	ResultPositive     Result = "positive"
	ResultNegative     Result = "negative"
	ResultInconclusive Result = "inconclusive"
)

func (r Result) Valid() bool {
	switch r {
	case ResultPositive, ResultNegative, ResultInconclusive:
		return true
	}
	return false
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewReviewed ReviewStatus = "reviewed"
	ReviewVerified ReviewStatus = "verified"
)

// Rank orders review states along the forward-only lifecycle. Unknown states rank -1.
func (s ReviewStatus) Rank() int {
	switch s {
	case ReviewPending:
		return 0
	case ReviewReviewed:
		return 1
	case ReviewVerified:
		return 2
	}
	return -1
}

func (s ReviewStatus) Valid() bool { return s.Rank() >= 0 }

type Diagnostic struct {
	ID           string
	SubjectID    string
	SubmitterID  string
	Result       Result
	Confidence   int
	ImageLocator string
	ReviewStatus ReviewStatus
	ReviewerID   *string
	ReviewNotes  *string
	ReviewedAt   *time.Time
	CreatedAt    time.Time
}

// Review is the set of fields written together by a single review transition.
type Review struct {
	Status     ReviewStatus
	ReviewerID string
	Notes      *string
	ReviewedAt time.Time
}

type DiagnosticFilter struct {
	SubmitterID string
	Status      ReviewStatus
	Limit       int
	Offset      int
}

type NotificationType string

const (
	NotificationSMS   NotificationType = "sms"
	NotificationEmail NotificationType = "email"
)

func (t NotificationType) Valid() bool {
	return t == NotificationSMS || t == NotificationEmail
}

type Priority string

const (
	PriorityUrgent  Priority = "urgent"
	PriorityRoutine Priority = "routine"
)

func (p Priority) Valid() bool {
	return p == PriorityUrgent || p == PriorityRoutine
}

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

type Notification struct {
	ID             string
	DiagnosticID   *string
	Type           NotificationType
	Recipient      string
	Subject        string
	Message        string
	Priority       Priority
	Status         DeliveryStatus
	SentAt         *time.Time
	ErrorDetail    *string
	RetryCount     int
	IdempotencyKey *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type AuditEntry struct {
	ID           string
	ActorUserID  string
	Action       string
	Target       string
	MetadataJSON string
	CreatedAt    time.Time
}
