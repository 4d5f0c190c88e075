package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"channel-strategy-backend/internal/models"
	"channel-strategy-backend/internal/store"
)

func TestAnalyticsClient_FetchDailyMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if got := r.URL.Query().Get("start_date"); got != "2025-06-01" {
			t.Errorf("expected start_date 2025-06-01, got %q", got)
		}
		if got := r.URL.Query().Get("end_date"); got != "2025-06-07" {
			t.Errorf("expected end_date 2025-06-07, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rows":[
			{"date":"2025-06-01","video_id":"v1","revenue_usd":1.25,"impressions":900,"views":450},
			{"date":"2025-06-02","video_id":"v2","revenue_usd":0.40,"impressions":300,"views":120}
		]}`))
	}))
	defer srv.Close()

	client := NewAnalyticsClient(srv.URL, 2*time.Second)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC)

	rows, err := client.FetchDailyMetrics(context.Background(), "tok-1", start, end)
	if err != nil {
		t.Fatalf("fetch metrics: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].VideoID != "v1" || rows[0].RevenueUSD != 1.25 || rows[0].Views != 450 {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if !rows[0].Date.Equal(start) {
		t.Fatalf("expected date %v, got %v", start, rows[0].Date)
	}
}

func TestAnalyticsClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewAnalyticsClient(srv.URL, 2*time.Second)
	_, err := client.FetchDailyMetrics(context.Background(), "stale", time.Now(), time.Now())
	if err == nil {
		t.Fatal("expected error on 401")
	}
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected StatusError 401, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Body != "token expired" {
		t.Fatalf("expected body carried through, got %v", err)
	}
}

func TestGoogleRefresher_Refresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("expected grant_type refresh_token, got %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("expected refresh-1, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh-token","expires_in":3600}`))
	}))
	defer srv.Close()

	fixed := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	refresher := NewGoogleRefresher(srv.URL, "client-id", "client-secret", 2*time.Second)
	refresher.now = func() time.Time { return fixed }

	creds, err := refresher.Refresh(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if creds.AccessToken != "fresh-token" {
		t.Fatalf("expected fresh-token, got %q", creds.AccessToken)
	}
	// response omitted refresh_token, the old one must be kept
	if creds.RefreshToken != "refresh-1" {
		t.Fatalf("expected refresh token retained, got %q", creds.RefreshToken)
	}
	if !creds.Expiry.Equal(fixed.Add(time.Hour)) {
		t.Fatalf("expected expiry %v, got %v", fixed.Add(time.Hour), creds.Expiry)
	}
}

func TestGoogleRefresher_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_grant", http.StatusBadRequest)
	}))
	defer srv.Close()

	refresher := NewGoogleRefresher(srv.URL, "id", "secret", 2*time.Second)
	_, err := refresher.Refresh(context.Background(), "revoked")
	if !IsStatus(err, http.StatusBadRequest) {
		t.Fatalf("expected StatusError 400, got %v", err)
	}
}

func TestCredentialsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if (Credentials{AccessToken: "a"}).Expired(now) {
		t.Fatal("zero expiry must not count as expired")
	}
	if !(Credentials{AccessToken: "a", Expiry: now.Add(-time.Minute)}).Expired(now) {
		t.Fatal("past expiry must count as expired")
	}
	if (Credentials{AccessToken: "a", Expiry: now.Add(time.Minute)}).Expired(now) {
		t.Fatal("future expiry must not count as expired")
	}
}

func TestStoreTokenSource(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	refresh := "refresh-1"
	expiry := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	err := st.UpsertConnection(ctx, models.ChannelConnection{
		TenantID:     "t1",
		ChannelID:    "ch1",
		AccessToken:  "tok-1",
		RefreshToken: &refresh,
		TokenExpiry:  &expiry,
		Status:       models.ConnectionActive,
	})
	if err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	src := NewStoreTokenSource(st)
	creds, err := src.ActiveCredentials(ctx, "t1", "ch1")
	if err != nil {
		t.Fatalf("active credentials: %v", err)
	}
	if creds.AccessToken != "tok-1" || creds.RefreshToken != "refresh-1" || !creds.Expiry.Equal(expiry) {
		t.Fatalf("unexpected credentials: %+v", creds)
	}

	if _, err := src.ActiveCredentials(ctx, "t1", "missing"); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}

	err = st.UpsertConnection(ctx, models.ChannelConnection{
		TenantID: "t1", ChannelID: "ch2", AccessToken: "tok-2", Status: "revoked",
	})
	if err != nil {
		t.Fatalf("seed revoked connection: %v", err)
	}
	if _, err := src.ActiveCredentials(ctx, "t1", "ch2"); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials for revoked, got %v", err)
	}
}

func TestStoreRegistryListsActivePairs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	for _, c := range []models.ChannelConnection{
		{TenantID: "t1", ChannelID: "ch1", AccessToken: "a", Status: models.ConnectionActive},
		{TenantID: "t2", ChannelID: "ch9", AccessToken: "b", Status: models.ConnectionActive},
		{TenantID: "t3", ChannelID: "gone", AccessToken: "c", Status: "revoked"},
	} {
		if err := st.UpsertConnection(ctx, c); err != nil {
			t.Fatalf("seed connection: %v", err)
		}
	}

	refs, err := NewStoreRegistry(st).ListActive(ctx, models.JobDailyChannel)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(refs))
	}
	if refs[0] != (ChannelRef{TenantID: "t1", ChannelID: "ch1"}) {
		t.Fatalf("unexpected first ref: %+v", refs[0])
	}
}
