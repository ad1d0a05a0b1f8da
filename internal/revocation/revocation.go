// Package revocation maintains the token denylist and answers whether a token
// id was revoked, either from local storage or from the service owning the
// denylist.
package revocation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/model"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/storage"
)

var revocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "token_revocations_total",
	Help: "Total number of tokens added to the denylist",
})

// Store writes and reads the local denylist.
type Store struct {
	store  storage.RevocationStore
	logger *slog.Logger
}

// NewStore returns a Store backed by store.
func NewStore(store storage.RevocationStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, logger: logger}
}

// Revoke puts tid on the denylist until exp. Revoking an already revoked
// token succeeds and reports false.
func (s *Store) Revoke(ctx context.Context, tid string, exp time.Time) (bool, error) {
	inserted, err := s.store.Revoke(ctx, model.Revocation{Token: tid, Expires: exp})
	if err != nil {
		s.logger.Error("revoke token", "tid", tid, "error", err)
		return false, fmt.Errorf("revoke %s: %w", tid, err)
	}
	if inserted {
		revocationsTotal.Inc()
		s.logger.Debug("token revoked", "tid", tid, "expires", exp)
	}
	return inserted, nil
}

// IsRevoked reports whether tid is on the local denylist.
func (s *Store) IsRevoked(ctx context.Context, tid string) (bool, error) {
	revoked, err := s.store.IsRevoked(ctx, tid)
	if err != nil {
		return false, fmt.Errorf("check revocation %s: %w", tid, err)
	}
	return revoked, nil
}

// RemoteChecker asks another service whether a token id was revoked. The
// endpoint answers GET {base}/{tid} with 200 when revoked and 404 otherwise.
type RemoteChecker struct {
	base   string
	header string
	apiKey string
	client *retryablehttp.Client
}

// NewRemoteChecker returns a checker for base. When apiKey is set it is sent
// in header.
func NewRemoteChecker(base, header, apiKey string, client *retryablehttp.Client) *RemoteChecker {
	return &RemoteChecker{
		base:   strings.TrimRight(base, "/"),
		header: header,
		apiKey: apiKey,
		client: client,
	}
}

// IsRevoked implements token.RevocationChecker.
func (c *RemoteChecker) IsRevoked(ctx context.Context, tid string) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.base+"/"+url.PathEscape(tid), nil)
	if err != nil {
		return false, fmt.Errorf("build revocation request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set(c.header, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("revocation check: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("revocation check: unexpected status %d", resp.StatusCode)
	}
}

// Checker answers whether a token id was revoked.
type Checker interface {
	IsRevoked(ctx context.Context, tid string) (bool, error)
}

// Any consults its checkers in order. A token is revoked as soon as one
// checker says so, and any error ends the lookup.
type Any []Checker

// IsRevoked implements token.RevocationChecker.
func (a Any) IsRevoked(ctx context.Context, tid string) (bool, error) {
	for _, c := range a {
		revoked, err := c.IsRevoked(ctx, tid)
		if err != nil || revoked {
			return revoked, err
		}
	}
	return false, nil
}
