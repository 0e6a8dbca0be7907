package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"sync"
	"testing"

	"fielddiag/internal/auth"
	"fielddiag/internal/config"
	"fielddiag/internal/diagnostic"
	"fielddiag/internal/notify"
	"fielddiag/internal/objectstore"
	"fielddiag/internal/service"
	"fielddiag/internal/store/storetest"
)

const (
	testSecret    = "0123456789abcdef0123456789abcdef"
	rootEmail     = "root@example.org"
	rootPassword  = "root-password-1"
	workerEmail   = "worker@example.org"
	workerPass    = "correct-horse"
	smsRecipient  = "+15550001111"
	pngSignature  = "\x89PNG\r\n\x1a\n"
	jsonMediaType = "application/json"
)

type captureMailer struct {
	mu     sync.Mutex
	tokens []string
}

func (m *captureMailer) SendPasswordReset(ctx context.Context, toEmail, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, token)
	return nil
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

type switchSender struct {
	mu  sync.Mutex
	err error
}

func (s *switchSender) set(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *switchSender) SendSMS(ctx context.Context, to, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *switchSender) SendEmail(ctx context.Context, to, subject, body string) error {
	return s.SendSMS(ctx, to, body)
}

type testServer struct {
	h      http.Handler
	mailer *captureMailer
	sender *switchSender
}

func newServer(t *testing.T, mutate func(*config.Config)) testServer {
	t.Helper()
	cfg := config.Config{
		PasswordMinLength:       8,
		PasswordMaxLength:       72,
		BootstrapAdminEmail:     rootEmail,
		BootstrapAdminPassword:  rootPassword,
		RateLimitLoginPerMin:    1000,
		RateLimitResetPerMin:    1000,
		RateLimitRegisterPerMin: 1000,
		RateLimitBurst:          100,
		UrgentDailyLimit:        0,
		MaxUploadBytes:          1 << 20,
		UploadDir:               filepath.Join(t.TempDir(), "uploads"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	st, _ := storetest.New(t)
	tokens, err := auth.NewTokenService(testSecret)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	m := &captureMailer{}
	svc := service.New(cfg, st, tokens, m)
	if err := svc.EnsureBootstrapAdmin(context.Background()); err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	sender := &switchSender{}
	objects, err := objectstore.NewLocal(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		t.Fatalf("object store: %v", err)
	}
	h := NewRouter(cfg, Deps{
		Accounts:    svc,
		Diagnostics: diagnostic.New(st, diagnostic.WithAuditor(st)),
		Notifier:    notify.NewDispatcher(st, sender),
		Objects:     objects,
	})
	return testServer{h: h, mailer: m, sender: sender}
}

func (s testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", jsonMediaType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
	if got := decode(t, rr)["code"]; got != code {
		t.Fatalf("expected code %s, got %v", code, got)
	}
}

func (s testServer) login(t *testing.T, email, password string) string {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": email, "password": password})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", email, rr.Code, rr.Body.String())
	}
	tok, _ := decode(t, rr)["token"].(string)
	if tok == "" {
		t.Fatalf("login returned no token")
	}
	return tok
}

func (s testServer) registerWorker(t *testing.T, email string) {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": email, "password": workerPass, "name": "Field Worker",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", email, rr.Code, rr.Body.String())
	}
}

func nested(t *testing.T, body map[string]any, key string) map[string]any {
	t.Helper()
	v, ok := body[key].(map[string]any)
	if !ok {
		t.Fatalf("missing %q in %v", key, body)
	}
	return v
}

func TestSubmitReviewVerifyFlow(t *testing.T) {
	s := newServer(t, nil)
	s.registerWorker(t, workerEmail)
	worker := s.login(t, workerEmail, workerPass)

	rr := s.do(t, http.MethodPost, "/api/v1/diagnostics", worker, map[string]any{
		"subject_id": "subject-17", "result": "positive", "confidence": 94, "image_locator": "local:x/y.png",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rr.Code, rr.Body.String())
	}
	d := nested(t, decode(t, rr), "diagnostic")
	if d["review_status"] != "pending" || d["confidence"].(float64) != 94 {
		t.Fatalf("unexpected diagnostic %v", d)
	}
	id := d["id"].(string)

	rr = s.do(t, http.MethodPatch, "/api/v1/diagnostics/"+id+"/review", worker, map[string]any{"status": "verified"})
	expectError(t, rr, http.StatusForbidden, "FORBIDDEN")

	admin := s.login(t, rootEmail, rootPassword)
	rr = s.do(t, http.MethodPatch, "/api/v1/diagnostics/"+id+"/review", admin, map[string]any{"status": "verified", "notes": "confirmed"})
	if rr.Code != http.StatusOK {
		t.Fatalf("review: %d %s", rr.Code, rr.Body.String())
	}
	d = nested(t, decode(t, rr), "diagnostic")
	if d["review_status"] != "verified" || d["review_notes"] != "confirmed" || d["reviewer_id"] == nil || d["reviewed_at"] == nil {
		t.Fatalf("unexpected reviewed diagnostic %v", d)
	}

	rr = s.do(t, http.MethodPatch, "/api/v1/diagnostics/"+id+"/review", admin, map[string]any{"status": "reviewed"})
	expectError(t, rr, http.StatusConflict, "CONFLICT")

	rr = s.do(t, http.MethodGet, "/api/v1/diagnostics/"+id, worker, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("owner get: %d %s", rr.Code, rr.Body.String())
	}
}

func TestDiagnosticsRequireAuthentication(t *testing.T) {
	s := newServer(t, nil)
	rr := s.do(t, http.MethodGet, "/api/v1/diagnostics", "", nil)
	expectError(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	rr = s.do(t, http.MethodGet, "/api/v1/diagnostics", "not-a-jwt", nil)
	expectError(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestFieldWorkerCannotSeeOthersDiagnostics(t *testing.T) {
	s := newServer(t, nil)
	s.registerWorker(t, workerEmail)
	s.registerWorker(t, "other@example.org")
	worker := s.login(t, workerEmail, workerPass)
	other := s.login(t, "other@example.org", workerPass)

	rr := s.do(t, http.MethodPost, "/api/v1/diagnostics", worker, map[string]any{
		"subject_id": "s-1", "result": "negative", "confidence": 60, "image_locator": "local:a/b.png",
	})
	id := nested(t, decode(t, rr), "diagnostic")["id"].(string)

	rr = s.do(t, http.MethodGet, "/api/v1/diagnostics/"+id, other, nil)
	expectError(t, rr, http.StatusNotFound, "NOT_FOUND")

	rr = s.do(t, http.MethodGet, "/api/v1/diagnostics", other, nil)
	if list := decode(t, rr)["diagnostics"].([]any); len(list) != 0 {
		t.Fatalf("expected empty list for other worker, got %d", len(list))
	}
}

func TestSubmitValidation(t *testing.T) {
	s := newServer(t, nil)
	s.registerWorker(t, workerEmail)
	worker := s.login(t, workerEmail, workerPass)

	cases := []map[string]any{
		{"subject_id": "s", "result": "positive", "image_locator": "l"},
		{"subject_id": "s", "result": "maybe", "confidence": 10, "image_locator": "l"},
		{"subject_id": "s", "result": "positive", "confidence": 101, "image_locator": "l"},
		{"subject_id": "s", "result": "positive", "confidence": 10, "image_locator": "l", "extra": true},
	}
	for i, body := range cases {
		rr := s.do(t, http.MethodPost, "/api/v1/diagnostics", worker, body)
		if rr.Code != http.StatusBadRequest || decode(t, rr)["code"] != "VALIDATION_ERROR" {
			t.Fatalf("case %d: expected validation error, got %d %s", i, rr.Code, rr.Body.String())
		}
	}
}

func TestPasswordResetOverHTTP(t *testing.T) {
	s := newServer(t, nil)
	s.registerWorker(t, workerEmail)

	rr := s.do(t, http.MethodPost, "/api/v1/auth/forgot-password", "", map[string]string{"email": "nobody@example.org"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unknown email: %d %s", rr.Code, rr.Body.String())
	}
	unknownBody := rr.Body.String()
	if s.mailer.count() != 0 {
		t.Fatalf("no mail expected for unknown email")
	}

	rr = s.do(t, http.MethodPost, "/api/v1/auth/forgot-password", "", map[string]string{"email": workerEmail})
	if rr.Code != http.StatusAccepted || rr.Body.String() != unknownBody {
		t.Fatalf("known email response differs: %d %s", rr.Code, rr.Body.String())
	}
	if s.mailer.count() != 1 {
		t.Fatalf("expected one reset mail, got %d", s.mailer.count())
	}
	token := s.mailer.tokens[0]

	rr = s.do(t, http.MethodPost, "/api/v1/auth/reset-password", "", map[string]string{"token": token, "new_password": "brand-new-pass"})
	if rr.Code != http.StatusOK {
		t.Fatalf("reset: %d %s", rr.Code, rr.Body.String())
	}
	rr = s.do(t, http.MethodPost, "/api/v1/auth/reset-password", "", map[string]string{"token": token, "new_password": "another-pass-1"})
	expectError(t, rr, http.StatusBadRequest, "INVALID_TOKEN")

	s.login(t, workerEmail, "brand-new-pass")
	rr = s.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": workerEmail, "password": workerPass})
	expectError(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestLoginRateLimited(t *testing.T) {
	s := newServer(t, func(c *config.Config) {
		c.RateLimitLoginPerMin = 2
		c.RateLimitBurst = 2
	})
	body := map[string]string{"email": workerEmail, "password": "wrong-password"}
	for i := 0; i < 2; i++ {
		rr := s.do(t, http.MethodPost, "/api/v1/auth/login", "", body)
		expectError(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")
	}
	rr := s.do(t, http.MethodPost, "/api/v1/auth/login", "", body)
	expectError(t, rr, http.StatusTooManyRequests, "RATE_LIMITED")
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestAdminRegistrationRequiresSuperAdmin(t *testing.T) {
	s := newServer(t, nil)
	rr := s.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": "boss@example.org", "password": workerPass, "role": "admin",
	})
	expectError(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")

	root := s.login(t, rootEmail, rootPassword)
	rr = s.do(t, http.MethodPost, "/api/v1/auth/register", root, map[string]string{
		"email": "boss@example.org", "password": workerPass, "role": "admin",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("super admin register: %d %s", rr.Code, rr.Body.String())
	}
	if nested(t, decode(t, rr), "identity")["role"] != "admin" {
		t.Fatalf("expected admin role")
	}

	rr = s.do(t, http.MethodGet, "/api/v1/auth/me", root, nil)
	if rr.Code != http.StatusOK || nested(t, decode(t, rr), "identity")["role"] != "super_admin" {
		t.Fatalf("me: %d %s", rr.Code, rr.Body.String())
	}
}

func TestNotificationLifecycleOverHTTP(t *testing.T) {
	s := newServer(t, nil)
	admin := s.login(t, rootEmail, rootPassword)

	s.sender.set(errors.New("carrier unavailable"))
	rr := s.do(t, http.MethodPost, "/api/v1/notifications", admin, map[string]any{
		"type": "sms", "recipient": smsRecipient, "message": "positive result", "priority": "urgent",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("send: %d %s", rr.Code, rr.Body.String())
	}
	n := nested(t, decode(t, rr), "notification")
	if n["status"] != "failed" || n["retry_count"].(float64) != 1 {
		t.Fatalf("expected failed attempt, got %v", n)
	}
	id := n["id"].(string)

	s.sender.set(nil)
	rr = s.do(t, http.MethodPost, "/api/v1/notifications/"+id+"/retry", admin, nil)
	if rr.Code != http.StatusOK || nested(t, decode(t, rr), "notification")["status"] != "sent" {
		t.Fatalf("retry: %d %s", rr.Code, rr.Body.String())
	}

	rr = s.do(t, http.MethodPost, "/api/v1/notifications/"+id+"/failed", admin, map[string]string{"error": "late bounce"})
	expectError(t, rr, http.StatusConflict, "CONFLICT")
	rr = s.do(t, http.MethodPost, "/api/v1/notifications/"+id+"/delivered", admin, nil)
	expectError(t, rr, http.StatusConflict, "CONFLICT")

	rr = s.do(t, http.MethodGet, "/api/v1/notifications/urgent-count?recipient=%2B15550001111", admin, nil)
	if rr.Code != http.StatusOK || decode(t, rr)["count"].(float64) != 1 {
		t.Fatalf("urgent count: %d %s", rr.Code, rr.Body.String())
	}

	rr = s.do(t, http.MethodGet, "/api/v1/notifications/does-not-exist", admin, nil)
	expectError(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestNotificationsRequireAdmin(t *testing.T) {
	s := newServer(t, nil)
	s.registerWorker(t, workerEmail)
	worker := s.login(t, workerEmail, workerPass)
	rr := s.do(t, http.MethodPost, "/api/v1/notifications", worker, map[string]any{
		"type": "sms", "recipient": smsRecipient, "message": "hi", "priority": "routine",
	})
	expectError(t, rr, http.StatusForbidden, "FORBIDDEN")
}

func TestUrgentLimitOverHTTP(t *testing.T) {
	s := newServer(t, func(c *config.Config) { c.UrgentDailyLimit = 1 })
	admin := s.login(t, rootEmail, rootPassword)
	body := map[string]any{"type": "sms", "recipient": smsRecipient, "message": "alert", "priority": "urgent"}
	if rr := s.do(t, http.MethodPost, "/api/v1/notifications", admin, body); rr.Code != http.StatusCreated {
		t.Fatalf("first urgent: %d %s", rr.Code, rr.Body.String())
	}
	rr := s.do(t, http.MethodPost, "/api/v1/notifications", admin, body)
	expectError(t, rr, http.StatusTooManyRequests, "RATE_LIMITED")

	body["priority"] = "routine"
	if rr := s.do(t, http.MethodPost, "/api/v1/notifications", admin, body); rr.Code != http.StatusCreated {
		t.Fatalf("routine should bypass the urgent cap: %d %s", rr.Code, rr.Body.String())
	}
}

func TestUrgentReplayReturnsOriginalIntent(t *testing.T) {
	s := newServer(t, func(c *config.Config) { c.UrgentDailyLimit = 1 })
	admin := s.login(t, rootEmail, rootPassword)
	body := map[string]any{
		"type": "sms", "recipient": smsRecipient, "message": "alert", "priority": "urgent", "idempotency_key": "k1",
	}
	rr := s.do(t, http.MethodPost, "/api/v1/notifications", admin, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("first urgent: %d %s", rr.Code, rr.Body.String())
	}
	firstID := nested(t, decode(t, rr), "notification")["id"]

	rr = s.do(t, http.MethodPost, "/api/v1/notifications", admin, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	if got := nested(t, decode(t, rr), "notification")["id"]; got != firstID {
		t.Fatalf("replay returned %v, want %v", got, firstID)
	}

	body["idempotency_key"] = "k2"
	rr = s.do(t, http.MethodPost, "/api/v1/notifications", admin, body)
	expectError(t, rr, http.StatusTooManyRequests, "RATE_LIMITED")
}

func TestDeactivatedIdentityLosesAccess(t *testing.T) {
	s := newServer(t, nil)
	s.registerWorker(t, workerEmail)
	worker := s.login(t, workerEmail, workerPass)
	root := s.login(t, rootEmail, rootPassword)

	me := nested(t, decode(t, s.do(t, http.MethodGet, "/api/v1/auth/me", worker, nil)), "identity")
	rr := s.do(t, http.MethodPatch, "/api/v1/admin/identities/"+me["id"].(string)+"/active", root, map[string]bool{"active": false})
	if rr.Code != http.StatusOK {
		t.Fatalf("deactivate: %d %s", rr.Code, rr.Body.String())
	}
	rr = s.do(t, http.MethodGet, "/api/v1/auth/me", worker, nil)
	expectError(t, rr, http.StatusUnauthorized, "UNAUTHORIZED")

	rr = s.do(t, http.MethodGet, "/api/v1/admin/audit-log", root, nil)
	if rr.Code != http.StatusOK || len(decode(t, rr)["entries"].([]any)) == 0 {
		t.Fatalf("audit log: %d %s", rr.Code, rr.Body.String())
	}
}

func TestUploadImage(t *testing.T) {
	s := newServer(t, nil)
	s.registerWorker(t, workerEmail)
	worker := s.login(t, workerEmail, workerPass)

	upload := func(contentType string, data []byte) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="image"; filename="scan.png"`)
		hdr.Set("Content-Type", contentType)
		part, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = part.Write(data)
		_ = mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+worker)
		rr := httptest.NewRecorder()
		s.h.ServeHTTP(rr, req)
		return rr
	}

	png := append([]byte(pngSignature), bytes.Repeat([]byte{0}, 64)...)
	rr := upload("image/png", png)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rr.Code, rr.Body.String())
	}
	locator, _ := decode(t, rr)["image_locator"].(string)
	if locator == "" {
		t.Fatalf("expected locator")
	}

	rr = upload("image/png", []byte("plain text, not an image"))
	expectError(t, rr, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestHealthAndUnknownRoutes(t *testing.T) {
	s := newServer(t, nil)
	if rr := s.do(t, http.MethodGet, "/health/live", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("live: %d", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/health/ready", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("ready: %d %s", rr.Code, rr.Body.String())
	}
	rr := s.do(t, http.MethodGet, "/api/v1/nope", "", nil)
	expectError(t, rr, http.StatusNotFound, "NOT_FOUND")
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}
