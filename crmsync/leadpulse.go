package crmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/salonsync_backend/utils"
)

// TokenSource supplies the bearer token for LeadPulse calls and can mint a
// fresh one when the current token is rejected.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// oauthTokenSource exchanges client credentials at the LeadPulse token
// endpoint. Tokens are cached until a refresh is forced.
type oauthTokenSource struct {
	tokenURL     string
	clientId     string
	clientSecret string
	http         *http.Client

	mu    sync.Mutex
	token string
}

func newOauthTokenSource() (*oauthTokenSource, error) {
	tokenURL := utils.GetEnv("LEADPULSE_TOKEN_URL", "")
	clientId := strings.TrimSpace(os.Getenv("LEADPULSE_CLIENT_ID"))
	clientSecret := strings.TrimSpace(os.Getenv("LEADPULSE_CLIENT_SECRET"))
	if tokenURL == "" || clientId == "" || clientSecret == "" {
		return nil, errors.New("leadpulse credentials are not configured")
	}
	return &oauthTokenSource{
		tokenURL:     tokenURL,
		clientId:     clientId,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (s *oauthTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.token
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	return s.Refresh(ctx)
}

func (s *oauthTokenSource) Refresh(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.clientId)
	form.Set("client_secret", s.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("leadpulse token endpoint %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if parsed.AccessToken == "" {
		return "", errors.New("leadpulse token endpoint returned an empty token")
	}

	s.mu.Lock()
	s.token = parsed.AccessToken
	s.mu.Unlock()
	return parsed.AccessToken, nil
}

// leadPulseClient talks to the CRM. All status handling lives in the retry
// policy; an expired token is refreshed exactly once before the call fails.
type leadPulseClient struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	limiter <-chan time.Time
	retry   *RetryPolicy
}

func newLeadPulseClient(tokens TokenSource, retry *RetryPolicy) *leadPulseClient {
	baseURL := utils.GetEnv("LEADPULSE_API_BASE_URL", "https://api.leadpulse.io")
	rateLimitPerMin := utils.IntFromEnv("LEADPULSE_RATE_LIMIT_PER_MIN", 300)
	if rateLimitPerMin <= 0 {
		rateLimitPerMin = 300
	}
	return &leadPulseClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: time.Tick(time.Minute / time.Duration(rateLimitPerMin)),
		retry:   retry,
	}
}

type remoteRecord struct {
	Id         string    `json:"id"`
	ExternalId string    `json:"externalId"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type listPage struct {
	Data       []remoteRecord `json:"data"`
	NextCursor string         `json:"nextCursor"`
}

// do performs one LeadPulse request through the retry policy, refreshing
// the token once when the first attempt is rejected with 401.
func (c *leadPulseClient) do(ctx context.Context, method, path string, payload any) (*APIResponse, error) {
	res, err := c.doOnce(ctx, method, path, payload)
	if errors.Is(err, ErrAuthExpired) {
		if _, rerr := c.tokens.Refresh(ctx); rerr != nil {
			return nil, fmt.Errorf("token refresh: %w", rerr)
		}
		res, err = c.doOnce(ctx, method, path, payload)
		if errors.Is(err, ErrAuthExpired) {
			return nil, fmt.Errorf("%s %s: authorization still rejected after refresh", method, path)
		}
	}
	return res, err
}

func (c *leadPulseClient) doOnce(ctx context.Context, method, path string, payload any) (*APIResponse, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = encoded
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}

	return c.retry.Do(ctx, method+" "+path, func(ctx context.Context) (*APIResponse, error) {
		<-c.limiter
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return &APIResponse{Status: resp.StatusCode, Header: resp.Header, Body: raw}, nil
	})
}

func collectionPath(kind string) string {
	return "/v1/" + kind
}

// createRecord posts a new record and returns the id LeadPulse assigned.
func (c *leadPulseClient) createRecord(ctx context.Context, kind string, payload any) (string, error) {
	res, err := c.do(ctx, http.MethodPost, collectionPath(kind), payload)
	if err != nil {
		return "", err
	}
	var parsed remoteRecord
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if parsed.Id == "" {
		return "", errors.New("create response has no id")
	}
	return parsed.Id, nil
}

func (c *leadPulseClient) updateRecord(ctx context.Context, kind, targetId string, payload any) error {
	_, err := c.do(ctx, http.MethodPut, collectionPath(kind)+"/"+url.PathEscape(targetId), payload)
	return err
}

// patchContact updates a subset of contact fields, used for loyalty data.
func (c *leadPulseClient) patchContact(ctx context.Context, targetId string, payload any) error {
	_, err := c.do(ctx, http.MethodPatch, "/v1/contacts/"+url.PathEscape(targetId), payload)
	return err
}

// listAllIDs walks the collection cursor-by-cursor and returns every record
// id. Used by the audit; a failure partway surfaces as an error so the
// audit can mark itself partial.
func (c *leadPulseClient) listAllIDs(ctx context.Context, kind string) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		params := url.Values{}
		params.Set("limit", "200")
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		res, err := c.do(ctx, http.MethodGet, collectionPath(kind)+"?"+params.Encode(), nil)
		if err != nil {
			return ids, err
		}
		var page listPage
		if err := json.Unmarshal(res.Body, &page); err != nil {
			return ids, fmt.Errorf("decode list response: %w", err)
		}
		for _, rec := range page.Data {
			ids = append(ids, rec.Id)
		}
		if page.NextCursor == "" {
			return ids, nil
		}
		cursor = page.NextCursor
	}
}
