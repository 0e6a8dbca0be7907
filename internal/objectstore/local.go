// Package objectstore keeps uploaded diagnostic images and hands back opaque
// locators. The rest of the system stores only the locator string.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"fielddiag/internal/apperr"
	"fielddiag/internal/ids"
)

const localScheme = "local:"

var allowedTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

type Store interface {
	Put(ctx context.Context, ownerID, contentType string, r io.Reader) (string, error)
}

// Local writes objects below a root directory.
type Local struct {
	root     string
	maxBytes int64
}

func NewLocal(root string, maxBytes int64) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("objectstore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("objectstore: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Local{root: root, maxBytes: maxBytes}, nil
}

// Put stores the bytes read from r. The declared content type must agree with
// what the leading bytes look like.
func (l *Local) Put(ctx context.Context, ownerID, contentType string, r io.Reader) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" || strings.ContainsAny(ownerID, `/\.`) {
		return "", fmt.Errorf("%w: invalid owner", apperr.ErrValidation)
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("%w: upload is empty", apperr.ErrValidation)
	}
	head = head[:n]
	sniffed := http.DetectContentType(head)
	ext, ok := allowedTypes[sniffed]
	if !ok {
		return "", fmt.Errorf("%w: unsupported image type %s", apperr.ErrValidation, sniffed)
	}
	if declared := strings.TrimSpace(strings.Split(contentType, ";")[0]); declared != "" && declared != "application/octet-stream" && declared != sniffed {
		return "", fmt.Errorf("%w: content type %s does not match uploaded bytes", apperr.ErrValidation, declared)
	}

	key := ownerID + "/" + ids.New() + ext
	full := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	src := io.MultiReader(bytes.NewReader(head), r)
	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: io.LimitReader(src, l.maxBytes+1)})
	if err != nil {
		cleanup()
		return "", err
	}
	if written > l.maxBytes {
		cleanup()
		return "", fmt.Errorf("%w: upload exceeds %d bytes", apperr.ErrValidation, l.maxBytes)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return localScheme + key, nil
}

// Open returns the object behind a locator produced by Put.
func (l *Local) Open(locator string) (io.ReadCloser, error) {
	key, ok := strings.CutPrefix(locator, localScheme)
	if !ok || key == "" || strings.Contains(key, "..") {
		return nil, fmt.Errorf("%w: unknown locator", apperr.ErrNotFound)
	}
	f, err := os.Open(filepath.Join(l.root, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: object not found", apperr.ErrNotFound)
	}
	return f, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
