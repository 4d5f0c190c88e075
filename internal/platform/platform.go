package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"channel-strategy-backend/internal/models"
	"channel-strategy-backend/internal/store"
)

// ErrNoCredentials means a channel has no active connection row to work with.
var ErrNoCredentials = errors.New("no active credentials for channel")

// Credentials is a channel's platform token set. A zero Expiry means the
// expiry is unknown and the token is used as-is.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Expired reports whether the access token is known to be past its expiry.
func (c Credentials) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && c.Expiry.Before(now)
}

// VideoDay is one (video, day) row returned by the metrics provider.
type VideoDay struct {
	Date        time.Time
	VideoID     string
	RevenueUSD  float64
	Impressions int64
	Views       int64
}

// ChannelRef identifies one schedulable (tenant, channel) pair.
type ChannelRef struct {
	TenantID  string
	ChannelID string
}

// TokenSource yields the credentials currently on file for a channel.
type TokenSource interface {
	ActiveCredentials(ctx context.Context, tenant, channel string) (Credentials, error)
}

// TokenRefresher exchanges a refresh token for fresh credentials. The OAuth
// handshake itself lives behind this interface.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

// MetricsAPI fetches per-video daily metrics for an inclusive date range.
// Failures carry an HTTP status via StatusError so callers can classify.
type MetricsAPI interface {
	FetchDailyMetrics(ctx context.Context, accessToken string, start, end time.Time) ([]VideoDay, error)
}

// ChannelRegistry enumerates the channels eligible for a job type.
type ChannelRegistry interface {
	ListActive(ctx context.Context, jobType models.JobType) ([]ChannelRef, error)
}

// StatusError is an upstream failure with its HTTP status attached.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// IsStatus reports whether err wraps a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// StoreTokenSource reads credentials from channel_connections.
type StoreTokenSource struct {
	store store.Store
}

func NewStoreTokenSource(s store.Store) *StoreTokenSource {
	return &StoreTokenSource{store: s}
}

func (s *StoreTokenSource) ActiveCredentials(ctx context.Context, tenant, channel string) (Credentials, error) {
	conn, ok, err := s.store.GetConnection(ctx, tenant, channel)
	if err != nil {
		return Credentials{}, fmt.Errorf("load connection: %w", err)
	}
	if !ok || conn.Status != models.ConnectionActive || conn.AccessToken == "" {
		return Credentials{}, ErrNoCredentials
	}
	creds := Credentials{AccessToken: conn.AccessToken}
	if conn.RefreshToken != nil {
		creds.RefreshToken = *conn.RefreshToken
	}
	if conn.TokenExpiry != nil {
		creds.Expiry = *conn.TokenExpiry
	}
	return creds, nil
}

// StoreRegistry lists active connections as schedulable channel refs. Both
// job types run over the same connected set.
type StoreRegistry struct {
	store store.Store
}

func NewStoreRegistry(s store.Store) *StoreRegistry {
	return &StoreRegistry{store: s}
}

func (r *StoreRegistry) ListActive(ctx context.Context, _ models.JobType) ([]ChannelRef, error) {
	conns, err := r.store.ListActiveConnections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active connections: %w", err)
	}
	refs := make([]ChannelRef, 0, len(conns))
	for _, c := range conns {
		refs = append(refs, ChannelRef{TenantID: c.TenantID, ChannelID: c.ChannelID})
	}
	return refs, nil
}
