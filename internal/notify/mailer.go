package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// PasswordResetMailer delivers reset links through the email channel. Reset
// links bypass the dispatcher: raw tokens never land in a notification record.
type PasswordResetMailer struct {
	email   EmailSender
	baseURL string
}

func NewPasswordResetMailer(email EmailSender, baseURL string) *PasswordResetMailer {
	return &PasswordResetMailer{email: email, baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *PasswordResetMailer) SendPasswordReset(ctx context.Context, toEmail, token string) error {
	link := token
	if m.baseURL != "" {
		link = fmt.Sprintf("%s/reset-password?token=%s", m.baseURL, url.QueryEscape(token))
	}
	body := "A password reset was requested for your account.\r\n\r\n" +
		"Use this link within one hour to choose a new password:\r\n" + link + "\r\n\r\n" +
		"If you did not request this, you can ignore this message.\r\n"
	return m.email.SendEmail(ctx, toEmail, "Password reset", body)
}
