package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bpalas/street-safety-vision/internal/common"
)

// Resolver maps an identifier onto its object-storage URL
// (https://<storage-host>/<bucket>/<path>/<identifier>.jpg) and can verify
// that the object is publicly fetchable. It never uploads anything.
type Resolver struct {
	baseURL string
	verify  bool
	http    *http.Client
	log     *slog.Logger
}

func NewResolver(baseURL string, verify bool, client *http.Client, logger *slog.Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		verify:  verify,
		http:    client,
		log:     logger,
	}
}

// Resolve builds the URL for identifier and, when enabled, verifies it.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (string, error) {
	if r == nil || r.baseURL == "" {
		return "", &common.ReferenceResolutionError{Identifier: identifier, Cause: errors.New("no url and no storage base url configured")}
	}
	if strings.TrimSpace(identifier) == "" {
		return "", &common.ReferenceResolutionError{Identifier: identifier, Cause: errors.New("empty identifier")}
	}
	u := r.baseURL + "/" + url.PathEscape(identifier) + ".jpg"
	if err := r.Check(ctx, identifier, u); err != nil {
		return "", err
	}
	return u, nil
}

// Check verifies a known URL when verification is enabled.
func (r *Resolver) Check(ctx context.Context, identifier, u string) error {
	if r == nil || !r.verify {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return &common.ReferenceResolutionError{Identifier: identifier, Cause: err}
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return &common.ReferenceResolutionError{Identifier: identifier, Cause: err}
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			r.log.Warn("source.resolver.body_close_error", "error", err)
		}
	}(resp.Body)
	if resp.StatusCode/100 != 2 {
		return &common.ReferenceResolutionError{Identifier: identifier, Cause: fmt.Errorf("HEAD %s: status %d", u, resp.StatusCode)}
	}
	return nil
}
