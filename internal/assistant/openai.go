// Package assistant drafts replies to inbound messages through an OpenAI-compatible chat API.
package assistant

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
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/SirClappington/dmq/internal/config"
	"github.com/SirClappington/dmq/internal/domain"
)

const (
	// MaxInputBytes caps the customer text sent to the model.
	MaxInputBytes = 2048

	ClassAnswer  = "answer"
	ClassHandoff = "handoff"

	responseLimit = 1 << 20
)

const formatInstruction = `Respond with a JSON object {"reply": string, "classification": "answer" | "handoff"}. ` +
	`Use "handoff" with an empty reply when a human should answer.`

type Reply struct {
	Text           string
	Classification string
}

// Handoff reports whether the reply should not be sent automatically.
func (r Reply) Handoff() bool {
	return r.Classification == ClassHandoff || strings.TrimSpace(r.Text) == ""
}

type Client struct {
	apiKey       string
	baseURL      string
	model        string
	systemPrompt string
	timeout      time.Duration
	client       *http.Client
}

func NewClient(cfg config.OpenAI, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		timeout:      cfg.Timeout,
		client:       hc,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Reply drafts an answer to text. The request is bounded by the client timeout.
func (c *Client) Reply(ctx context.Context, text string) (Reply, error) {
	if c.apiKey == "" {
		return Reply{}, domain.Permanent("assistant", "not_configured", errors.New("OPENAI_API_KEY not set"))
	}
	req := chatRequest{
		Model:       c.model,
		Temperature: 0.3,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt + "\n" + formatInstruction},
			{Role: "user", Content: Truncate(text, MaxInputBytes)},
		},
	}
	req.ResponseFormat.Type = "json_object"
	body, err := json.Marshal(req)
	if err != nil {
		return Reply{}, domain.Permanent("assistant", "encode_failed", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Reply{}, domain.Permanent("assistant", "request_invalid", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Reply{}, transportError(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return Reply{}, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return Reply{}, statusError(resp, raw)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Reply{}, domain.Transient("assistant", "response_malformed", errors.Wrap(err, "decode completion"))
	}
	if len(out.Choices) == 0 {
		return Reply{}, domain.Transient("assistant", "empty_completion", nil)
	}
	return ParseReply(out.Choices[0].Message.Content), nil
}

// ParseReply reads the model's JSON answer. Content that is not the expected JSON is used
// as a plain-text answer.
func ParseReply(content string) Reply {
	content = strings.TrimSpace(content)
	var parsed struct {
		Reply          *string `json:"reply"`
		Classification string  `json:"classification"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil || parsed.Reply == nil {
		return Reply{Text: content, Classification: ClassAnswer}
	}
	class := strings.ToLower(strings.TrimSpace(parsed.Classification))
	if class != ClassHandoff {
		class = ClassAnswer
	}
	return Reply{Text: strings.TrimSpace(*parsed.Reply), Classification: class}
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func transportError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	reason := "connection_failed"
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		reason = "timeout"
	}
	return domain.Transient("assistant", reason, err)
}

func statusError(resp *http.Response, raw []byte) error {
	var ae apiError
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &ae) == nil && ae.Error.Message != "" {
		msg = ae.Error.Message
	}
	cause := errors.Errorf("status %d: %s", resp.StatusCode, Truncate(msg, 200))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := 10 * time.Second
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			wait = time.Duration(secs) * time.Second
		}
		return domain.RateLimited("assistant", wait)
	case resp.StatusCode >= 500:
		return domain.Transient("assistant", "server_error", cause)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Permanent("assistant", "auth_failed", cause)
	}
	return domain.Permanent("assistant", "request_rejected", cause)
}
