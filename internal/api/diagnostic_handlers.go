package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fielddiag/internal/apperr"
	"fielddiag/internal/diagnostic"
	"fielddiag/internal/middleware"
	"fielddiag/internal/models"
	"fielddiag/internal/util"
)

type createDiagnosticRequest struct {
	SubjectID    string `json:"subject_id"`
	Result       string `json:"result"`
	Confidence   *int   `json:"confidence"`
	ImageLocator string `json:"image_locator"`
}

func (h *Handlers) CreateDiagnostic(w http.ResponseWriter, r *http.Request) {
	var req createDiagnosticRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, errBadJSON)
		return
	}
	if req.Confidence == nil {
		h.fail(w, r, fmt.Errorf("%w: confidence is required", apperr.ErrValidation))
		return
	}
	d, err := h.diag.Submit(r.Context(), middleware.Claims(r.Context()), diagnostic.SubmitInput{
		SubjectID:    req.SubjectID,
		Result:       models.Result(strings.ToLower(strings.TrimSpace(req.Result))),
		Confidence:   *req.Confidence,
		ImageLocator: req.ImageLocator,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, map[string]any{"diagnostic": diagnosticJSON(d)})
}

func (h *Handlers) ListDiagnostics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.diag.List(r.Context(), middleware.Claims(r.Context()), diagnostic.ListFilter{
		Status: models.ReviewStatus(strings.TrimSpace(q.Get("status"))),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]diagnosticView, 0, len(list))
	for _, d := range list {
		out = append(out, diagnosticJSON(d))
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"diagnostics": out})
}

func (h *Handlers) GetDiagnostic(w http.ResponseWriter, r *http.Request) {
	d, err := h.diag.Get(r.Context(), middleware.Claims(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"diagnostic": diagnosticJSON(d)})
}

type reviewRequest struct {
	Status         string  `json:"status"`
	Notes          *string `json:"notes"`
	ExpectedStatus *string `json:"expected_status"`
}

func (h *Handlers) ReviewDiagnostic(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := util.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, errBadJSON)
		return
	}
	in := diagnostic.ReviewInput{
		ID:     chi.URLParam(r, "id"),
		Status: models.ReviewStatus(strings.TrimSpace(req.Status)),
		Notes:  req.Notes,
	}
	if req.ExpectedStatus != nil {
		s := models.ReviewStatus(strings.TrimSpace(*req.ExpectedStatus))
		in.ExpectedStatus = &s
	}
	d, err := h.diag.Review(r.Context(), middleware.Claims(r.Context()), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"diagnostic": diagnosticJSON(d)})
}

// Upload streams the first "image" part of a multipart body into the object
// store and answers with its locator.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		h.fail(w, r, errors.New("object store not configured"))
		return
	}
	limit := h.cfg.MaxUploadBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	// Multipart framing adds a little on top of the image itself.
	r.Body = http.MaxBytesReader(w, r.Body, limit+64<<10)

	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "multipart/form-data" {
		h.fail(w, r, fmt.Errorf("%w: expected multipart/form-data", apperr.ErrValidation))
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: malformed multipart body", apperr.ErrValidation))
		return
	}
	claims := middleware.Claims(r.Context())
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: malformed multipart body", apperr.ErrValidation))
			return
		}
		if part.FormName() != "image" {
			_ = part.Close()
			continue
		}
		locator, err := h.objects.Put(r.Context(), claims.IdentityID(), part.Header.Get("Content-Type"), part)
		_ = part.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				err = fmt.Errorf("%w: upload too large", apperr.ErrValidation)
			}
			h.fail(w, r, err)
			return
		}
		util.WriteJSON(w, http.StatusCreated, map[string]string{"image_locator": locator})
		return
	}
	h.fail(w, r, fmt.Errorf("%w: image part is required", apperr.ErrValidation))
}

func queryInt(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid pagination parameter", apperr.ErrValidation)
	}
	return n, nil
}
