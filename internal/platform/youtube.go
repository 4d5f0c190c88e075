package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"channel-strategy-backend/internal/models"
)

const maxResponseBytes = 4 * 1024 * 1024

// AnalyticsClient is a thin MetricsAPI over the platform's daily-report
// endpoint. It only understands the JSON rows shape below; report parsing
// beyond that is out of scope.
type AnalyticsClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewAnalyticsClient(baseURL string, timeout time.Duration) *AnalyticsClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &AnalyticsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type analyticsRow struct {
	Date        string  `json:"date"`
	VideoID     string  `json:"video_id"`
	RevenueUSD  float64 `json:"revenue_usd"`
	Impressions int64   `json:"impressions"`
	Views       int64   `json:"views"`
}

type analyticsReport struct {
	Rows []analyticsRow `json:"rows"`
}

func (c *AnalyticsClient) FetchDailyMetrics(ctx context.Context, accessToken string, start, end time.Time) ([]VideoDay, error) {
	q := url.Values{}
	q.Set("start_date", models.FormatDt(start))
	q.Set("end_date", models.FormatDt(end))
	q.Set("metrics", "estimatedRevenue,impressions,views")
	q.Set("dimensions", "day,video")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/reports?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch daily metrics: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var report analyticsReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}

	days := make([]VideoDay, 0, len(report.Rows))
	for _, row := range report.Rows {
		dt, err := models.ParseDt(row.Date)
		if err != nil {
			return nil, fmt.Errorf("report row for video %s: %w", row.VideoID, err)
		}
		days = append(days, VideoDay{
			Date:        dt,
			VideoID:     row.VideoID,
			RevenueUSD:  row.RevenueUSD,
			Impressions: row.Impressions,
			Views:       row.Views,
		})
	}
	return days, nil
}

// GoogleRefresher exchanges refresh tokens against an OAuth token endpoint.
type GoogleRefresher struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	now          func() time.Time
}

func NewGoogleRefresher(tokenURL, clientID, clientSecret string, timeout time.Duration) *GoogleRefresher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &GoogleRefresher{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

func (g *GoogleRefresher) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	if refreshToken == "" {
		return Credentials{}, ErrNoCredentials
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", g.clientID)
	form.Set("client_secret", g.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Credentials{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Credentials{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return Credentials{}, fmt.Errorf("token response missing access_token")
	}

	creds := Credentials{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}
	if payload.ExpiresIn > 0 {
		creds.Expiry = g.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return creds, nil
}
