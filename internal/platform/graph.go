// Package platform is the Instagram Graph API client used by delivery processors.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/dmq/internal/config"
	"github.com/SirClappington/dmq/internal/domain"
)

const (
	Instagram = "instagram"

	// IdempotencyHeader carries the job id so a retried send can be recognised downstream.
	IdempotencyHeader = "X-Idempotency-Key"

	defaultRetryAfter = 60 * time.Second
	responseLimit     = 1 << 20
)

// Graph error codes that mean "slow down" even when the status is not 429.
var throttleCodes = map[int]bool{4: true, 17: true, 32: true, 613: true}

// Graph error code for an expired or revoked access token.
const codeInvalidToken = 190

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Message struct {
	RecipientID string
	Text        string
	ReplyTo     string
}

type SendResult struct {
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
}

type TokenInfo struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
}

type Token struct {
	AccessToken string
	ExpiresAt   *time.Time
}

type Client struct {
	baseURL           string
	version           string
	timeout           time.Duration
	retryServerErrors bool
	retryTimeouts     bool
	http              HTTPDoer
	Now               func() time.Time
}

func NewClient(cfg config.Graph, doer HTTPDoer) *Client {
	if doer == nil {
		doer = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		version:           strings.Trim(cfg.Version, "/"),
		timeout:           cfg.Timeout,
		retryServerErrors: cfg.RetryServerErrors,
		retryTimeouts:     cfg.RetryTimeouts,
		http:              doer,
		Now:               time.Now,
	}
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	ReplyTo *struct {
		MID string `json:"mid"`
	} `json:"reply_to,omitempty"`
}

// SendMessage posts a direct message. idempotencyKey should be stable across retries of the
// same logical send.
func (c *Client) SendMessage(ctx context.Context, token string, msg Message, idempotencyKey string) (SendResult, error) {
	var req sendRequest
	req.Recipient.ID = msg.RecipientID
	req.Message.Text = msg.Text
	if msg.ReplyTo != "" {
		req.ReplyTo = &struct {
			MID string `json:"mid"`
		}{MID: msg.ReplyTo}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return SendResult{}, domain.Permanent("platform.send", "encode_failed", err)
	}

	var out SendResult
	headers := map[string]string{
		"Authorization":   "Bearer " + token,
		"Content-Type":    "application/json",
		IdempotencyHeader: idempotencyKey,
	}
	if err := c.do(ctx, "platform.send", http.MethodPost, c.versioned("/me/messages"), nil, headers, body, &out); err != nil {
		return SendResult{}, c.sendPolicy(err)
	}
	if out.MessageID == "" {
		return SendResult{}, domain.Permanent("platform.send", "missing_message_id", nil)
	}
	if out.RecipientID == "" {
		out.RecipientID = msg.RecipientID
	}
	return out, nil
}

// ValidateToken asks the platform who the token belongs to.
func (c *Client) ValidateToken(ctx context.Context, token string) (TokenInfo, error) {
	q := url.Values{"fields": {"id,username"}}
	var out TokenInfo
	err := c.do(ctx, "platform.validate", http.MethodGet, c.versioned("/me"), q,
		map[string]string{"Authorization": "Bearer " + token}, nil, &out)
	return out, err
}

// RefreshToken exchanges a long-lived token for a fresh one.
func (c *Client) RefreshToken(ctx context.Context, token string) (Token, error) {
	q := url.Values{"grant_type": {"ig_refresh_token"}, "access_token": {token}}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.do(ctx, "platform.refresh", http.MethodGet, c.baseURL+"/refresh_access_token", q, nil, nil, &out); err != nil {
		return Token{}, err
	}
	if out.AccessToken == "" {
		return Token{}, domain.Permanent("platform.refresh", "missing_access_token", nil)
	}
	t := Token{AccessToken: out.AccessToken}
	if out.ExpiresIn > 0 {
		exp := c.Now().UTC().Add(time.Duration(out.ExpiresIn) * time.Second)
		t.ExpiresAt = &exp
	}
	return t, nil
}

func (c *Client) versioned(path string) string {
	if c.version == "" {
		return c.baseURL + path
	}
	return c.baseURL + "/" + c.version + path
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, query url.Values, headers map[string]string, body []byte, out any) error {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Permanent(op, "request_invalid", errors.New("build request"))
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return c.transportError(op, err)
	}
	if resp.StatusCode >= 300 {
		return c.statusError(op, resp, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.Permanent(op, "response_malformed", errors.Wrap(err, "decode response"))
	}
	return nil
}

// transportError classifies failures where no response arrived. The *url.Error wrapper is
// dropped because its message carries the request URL, which may hold a token.
func (c *Client) transportError(op string, err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	reason := "connection_failed"
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		reason = "timeout"
	}
	return domain.Transient(op, reason, err)
}

func (c *Client) statusError(op string, resp *http.Response, raw []byte) error {
	var ge graphError
	_ = json.Unmarshal(raw, &ge)
	cause := errors.Errorf("status %d: code %d: %s", resp.StatusCode, ge.Error.Code, ge.Error.Message)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || throttleCodes[ge.Error.Code]:
		return domain.RateLimited(op, retryAfter(resp.Header.Get("Retry-After"), c.Now()))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || ge.Error.Code == codeInvalidToken:
		return domain.Permanent(op, "auth_failed", cause)
	case resp.StatusCode >= 500:
		return domain.Transient(op, "server_error", cause)
	}
	return domain.Permanent(op, "request_rejected", cause)
}

// sendPolicy applies the delivery retry switches to a failed send. Only sends are affected;
// token calls keep the plain transient classification.
func (c *Client) sendPolicy(err error) error {
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindTransient {
		return err
	}
	switch de.Reason {
	case "server_error":
		if !c.retryServerErrors {
			return domain.Permanent(de.Op, de.Reason, de.Err)
		}
	case "timeout", "connection_failed":
		if !c.retryTimeouts {
			return domain.Permanent(de.Op, de.Reason, de.Err)
		}
	}
	return err
}

// retryAfter reads either delay-seconds or an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}
