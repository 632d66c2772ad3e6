// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package debrid talks to the remote debrid service's REST API: magnet
// submission, cache status polling, link unrestriction and cleanup.
package debrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/debridarr/debridarr/internal/buildinfo"
	"github.com/debridarr/debridarr/internal/domain"
)

const DefaultBaseURL = "https://api.real-debrid.com/rest/1.0"

// ErrUnauthorized marks a rejected API token. Surfaced by the health
// monitor as a configuration issue rather than a job failure.
var ErrUnauthorized = errors.New("debrid: api token rejected")

// Client is the remote resolution client. Every call retries transient
// failures with exponential backoff up to a bounded attempt count; the
// orchestrator decides what an exhausted retry budget means for the job.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	attempts uint
	delay    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithAttempts overrides the per-call retry budget.
func WithAttempts(n uint) Option {
	return func(c *Client) { c.attempts = n }
}

// WithRetryDelay overrides the initial backoff delay, primarily for tests.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.delay = d }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a resolution client for the given base URL and token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
		attempts: 4,
		delay:    time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TorrentInfo is the remote service's view of a submitted magnet.
type TorrentInfo struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Progress float64  `json:"progress"`
	Filename string   `json:"filename"`
	Bytes    int64    `json:"bytes"`
	Links    []string `json:"links"`
}

// Cached reports whether the remote service has finished caching the
// content and direct links can be requested.
func (i TorrentInfo) Cached() bool {
	return i.Status == "downloaded"
}

// DownloadLink is one unrestricted, directly downloadable file.
type DownloadLink struct {
	URL      string `json:"download"`
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
}

// AddMagnet registers a magnet with the remote service and selects all of
// its files, returning the remote identifier used for later polling and
// cleanup. A non-transient 4xx response maps to domain.ErrRejected.
func (c *Client) AddMagnet(ctx context.Context, magnetLink string) (string, error) {
	var added struct {
		ID string `json:"id"`
	}

	form := url.Values{"magnet": {magnetLink}}
	if err := c.do(ctx, http.MethodPost, "/torrents/addMagnet", form, http.StatusCreated, &added); err != nil {
		return "", err
	}
	if added.ID == "" {
		return "", fmt.Errorf("%w: service returned no torrent id", domain.ErrRejected)
	}

	form = url.Values{"files": {"all"}}
	if err := c.do(ctx, http.MethodPost, "/torrents/selectFiles/"+added.ID, form, http.StatusNoContent, nil); err != nil {
		return "", err
	}

	return added.ID, nil
}

// TorrentInfo polls the caching status of a submitted magnet. Non-blocking:
// the caller owns any wait/timeout policy.
func (c *Client) TorrentInfo(ctx context.Context, remoteID string) (*TorrentInfo, error) {
	var info TorrentInfo
	if err := c.do(ctx, http.MethodGet, "/torrents/info/"+remoteID, nil, http.StatusOK, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Unrestrict exchanges a restricted link for a direct download descriptor.
func (c *Client) Unrestrict(ctx context.Context, link string) (*DownloadLink, error) {
	var dl DownloadLink
	form := url.Values{"link": {link}}
	if err := c.do(ctx, http.MethodPost, "/unrestrict/link", form, http.StatusOK, &dl); err != nil {
		return nil, err
	}
	if dl.URL == "" {
		return nil, fmt.Errorf("%w: unrestrict returned no download url", domain.ErrRejected)
	}
	return &dl, nil
}

// Delete removes the remote service's record of a torrent. Best effort:
// callers log failures and move on, local state is authoritative.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	return c.do(ctx, http.MethodDelete, "/torrents/delete/"+remoteID, nil, http.StatusNoContent, nil)
}

// User probes the account endpoint. Used by the health monitor to verify
// reachability and token validity.
func (c *Client) User(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/user", nil, http.StatusOK, nil)
}

// do performs one API call with retry on transient failures.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, wantStatus int, out any) error {
	err := retry.Do(
		func() error {
			return c.once(ctx, method, path, form, wantStatus, out)
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrTransient)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Str("path", path).Msg("debrid: retrying request")
		}),
	)
	return err
}

func (c *Client) once(ctx context.Context, method, path string, form url.Values, wantStatus int, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %s", domain.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.classifyStatus(resp, method, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s response: %s", domain.ErrTransient, path, err)
		}
	}
	return nil
}

func (c *Client) classifyStatus(resp *http.Response, method, path string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(snippet))

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, detail)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d: %s", domain.ErrTransient, method, path, resp.StatusCode, detail)
	default:
		return fmt.Errorf("%w: %s %s: status %d: %s", domain.ErrRejected, method, path, resp.StatusCode, detail)
	}
}
