// Package captcha is a client for an external challenge-solving provider.
//
// Solving is two-phase: the challenge is submitted and a job id comes back, then the
// result endpoint is polled at a fixed interval until the job is ready, errors, or the
// poll budget runs out.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

var (
	// ErrNotConfigured means the provider base URL or API key is missing.
	ErrNotConfigured = errors.New("captcha solver not configured")
	// ErrSolveTimeout means the provider did not finish within the poll budget.
	ErrSolveTimeout = errors.New("captcha solve timed out")
	// ErrSolveFailed means the provider reported the job as failed.
	ErrSolveFailed = errors.New("captcha solve failed")
)

// Provider job states returned by the result endpoint.
const (
	statusReady   = "ready"
	statusPending = "pending"
	statusError   = "error"
)

// Config describes the provider endpoint and polling budget.
type Config struct {
	BaseURL       string
	APIKey        string
	PollInterval  time.Duration
	MaxPolls      int
	HTTPTimeout   time.Duration
	ReportTimeout time.Duration
}

// Client implements scraper.Solver against the provider's HTTP API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse captcha base url: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 30
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger,
	}, nil
}

type submitRequest struct {
	APIKey        string            `json:"api_key"`
	ChallengeType string            `json:"challenge_type"`
	SiteKey       string            `json:"site_key"`
	PageURL       string            `json:"page_url"`
	Options       map[string]string `json:"options,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

type resultResponse struct {
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
	Error  string `json:"error,omitempty"`
}

type reportRequest struct {
	APIKey string `json:"api_key"`
	JobID  string `json:"job_id"`
}

// Solve submits the challenge and polls until a token is available.
func (c *Client) Solve(ctx context.Context, challenge scraper.Challenge) (scraper.Solution, error) {
	if challenge.SiteKey == "" || challenge.PageURL == "" {
		return scraper.Solution{}, fmt.Errorf("site key and page url are required")
	}
	jobID, err := c.submit(ctx, challenge)
	if err != nil {
		return scraper.Solution{}, err
	}
	logger := c.logger.With(zap.String("captcha_job", jobID))
	logger.Debug("captcha submitted", zap.String("type", challenge.Type))

	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()
	for poll := 1; poll <= c.cfg.MaxPolls; poll++ {
		select {
		case <-ctx.Done():
			return scraper.Solution{}, fmt.Errorf("captcha poll canceled: %w", ctx.Err())
		case <-timer.C:
		}

		res, err := c.result(ctx, jobID)
		if err != nil {
			logger.Warn("captcha poll failed", zap.Int("poll", poll), zap.Error(err))
		} else {
			switch res.Status {
			case statusReady:
				if strings.TrimSpace(res.Token) == "" {
					return scraper.Solution{}, fmt.Errorf("job %s: %w: ready without token", jobID, ErrSolveFailed)
				}
				logger.Debug("captcha solved", zap.Int("polls", poll))
				return scraper.Solution{JobID: jobID, Token: res.Token}, nil
			case statusError:
				return scraper.Solution{}, fmt.Errorf("job %s: %w: %s", jobID, ErrSolveFailed, res.Error)
			case statusPending:
			default:
				logger.Warn("unknown captcha status", zap.String("status", res.Status))
			}
		}
		timer.Reset(c.cfg.PollInterval)
	}
	return scraper.Solution{}, fmt.Errorf("job %s after %d polls: %w", jobID, c.cfg.MaxPolls, ErrSolveTimeout)
}

func (c *Client) submit(ctx context.Context, challenge scraper.Challenge) (string, error) {
	body, err := json.Marshal(submitRequest{
		APIKey:        c.cfg.APIKey,
		ChallengeType: challenge.Type,
		SiteKey:       challenge.SiteKey,
		PageURL:       challenge.PageURL,
		Options:       challenge.Options,
	})
	if err != nil {
		return "", fmt.Errorf("marshal submit: %w", err)
	}
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/submit", body, &out); err != nil {
		return "", fmt.Errorf("submit captcha: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("submit captcha: %w: %s", ErrSolveFailed, out.Error)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("submit captcha: empty job id")
	}
	return out.JobID, nil
}

func (c *Client) result(ctx context.Context, jobID string) (resultResponse, error) {
	q := url.Values{}
	q.Set("api_key", c.cfg.APIKey)
	q.Set("job_id", jobID)
	var out resultResponse
	if err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/result?"+q.Encode(), nil, &out); err != nil {
		return resultResponse{}, err
	}
	return out, nil
}

// ReportBad flags jobID as an incorrect solve. It returns immediately; the report runs in the background.
func (c *Client) ReportBad(jobID string) {
	if jobID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReportTimeout)
		defer cancel()
		body, err := json.Marshal(reportRequest{APIKey: c.cfg.APIKey, JobID: jobID})
		if err != nil {
			return
		}
		if err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/report", body, nil); err != nil {
			c.logger.Warn("captcha report failed", zap.String("captcha_job", jobID), zap.Error(err))
			return
		}
		c.logger.Info("captcha reported bad", zap.String("captcha_job", jobID))
	}()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("request %s: status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}
