package api

import "fielddiag/internal/models"

type identityView struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	Name      string  `json:"name"`
	Phone     *string `json:"phone,omitempty"`
	Role      string  `json:"role"`
	Active    bool    `json:"active"`
	CreatedAt string  `json:"created_at"`
}

func identityJSON(u models.Identity) identityView {
	return identityView{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Phone:     u.Phone,
		Role:      string(u.Role),
		Active:    u.Active,
		CreatedAt: formatTime(u.CreatedAt),
	}
}

type diagnosticView struct {
	ID           string  `json:"id"`
	SubjectID    string  `json:"subject_id"`
	SubmitterID  string  `json:"submitter_id"`
	Result       string  `json:"result"`
	Confidence   int     `json:"confidence"`
	ImageLocator string  `json:"image_locator"`
	ReviewStatus string  `json:"review_status"`
	ReviewerID   *string `json:"reviewer_id"`
	ReviewNotes  *string `json:"review_notes"`
	ReviewedAt   *string `json:"reviewed_at"`
	CreatedAt    string  `json:"created_at"`
}

func diagnosticJSON(d models.Diagnostic) diagnosticView {
	return diagnosticView{
		ID:           d.ID,
		SubjectID:    d.SubjectID,
		SubmitterID:  d.SubmitterID,
		Result:       string(d.Result),
		Confidence:   d.Confidence,
		ImageLocator: d.ImageLocator,
		ReviewStatus: string(d.ReviewStatus),
		ReviewerID:   d.ReviewerID,
		ReviewNotes:  d.ReviewNotes,
		ReviewedAt:   formatTimePtr(d.ReviewedAt),
		CreatedAt:    formatTime(d.CreatedAt),
	}
}

type notificationView struct {
	ID           string  `json:"id"`
	DiagnosticID *string `json:"diagnostic_id"`
	Type         string  `json:"type"`
	Recipient    string  `json:"recipient"`
	Subject      string  `json:"subject,omitempty"`
	Message      string  `json:"message"`
	Priority     string  `json:"priority"`
	Status       string  `json:"status"`
	SentAt       *string `json:"sent_at"`
	ErrorDetail  *string `json:"error_detail"`
	RetryCount   int     `json:"retry_count"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func notificationJSON(n models.Notification) notificationView {
	return notificationView{
		ID:           n.ID,
		DiagnosticID: n.DiagnosticID,
		Type:         string(n.Type),
		Recipient:    n.Recipient,
		Subject:      n.Subject,
		Message:      n.Message,
		Priority:     string(n.Priority),
		Status:       string(n.Status),
		SentAt:       formatTimePtr(n.SentAt),
		ErrorDetail:  n.ErrorDetail,
		RetryCount:   n.RetryCount,
		CreatedAt:    formatTime(n.CreatedAt),
		UpdatedAt:    formatTime(n.UpdatedAt),
	}
}

type auditView struct {
	ID          string `json:"id"`
	ActorUserID string `json:"actor_user_id"`
	Action      string `json:"action"`
	Target      string `json:"target"`
	Metadata    string `json:"metadata"`
	CreatedAt   string `json:"created_at"`
}
