// Package analysis is a thin client for the call-analysis backend that
// produces the narrative text read aloud by the narrator.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sessionNotFound = "Chat session not found"

var ErrEmptyQuery = errors.New("empty query")

// Sentiment lists positive and negative observations.
type Sentiment struct {
	Positive []string `json:"positive"`
	Negative []string `json:"negative"`
}

// Document is the analysis returned for an uploaded transcript or recording.
type Document struct {
	ConversationOverview     string    `json:"conversation_overview"`
	CustomerSentiment        Sentiment `json:"customer_sentiment"`
	NextSteps                []string  `json:"next_steps"`
	PortfolioRecommendations []string  `json:"portfolio_recommendations"`
	ProductInterests         []string  `json:"product_interests"`
	RiskAppetite             string    `json:"risk_appetite"`
	RMEvaluation             Sentiment `json:"rm_evaluation"`
	AudioURL                 string    `json:"audio_url,omitempty"`
	TranscriptURL            string    `json:"transcript_url,omitempty"`
}

// Narrative is the text read aloud for a document: the overview followed by
// the risk appetite.
func (d Document) Narrative() string {
	parts := make([]string, 0, 2)
	for _, p := range []string{d.ConversationOverview, d.RiskAppetite} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

type Message struct {
	Role      string `json:"role"`
	Content   string `json:"message_content"`
	CreatedAt string `json:"created_at"`
}

type ChatHistory struct {
	Messages []Message `json:"messages"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("analysis backend returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("analysis backend returned %d", e.Status)
}

type Client struct {
	base   *url.URL
	user   string
	http   *http.Client
	tracer trace.Tracer
}

// NewClient validates cfg and returns a client. A nil httpClient uses a
// client with cfg's timeout.
func NewClient(cfg config.AnalysisConfig, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid analysis base url %q", cfg.BaseURL)
	}
	if _, err := uuid.Parse(cfg.UserUUID); err != nil {
		return nil, fmt.Errorf("invalid analysis user uuid: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	}
	return &Client{
		base:   base,
		user:   cfg.UserUUID,
		http:   httpClient,
		tracer: otel.Tracer("github.com/loqalabs/loqa-narrator/internal/analysis"),
	}, nil
}

// UploadDocument submits a transcript or text document for analysis.
func (c *Client) UploadDocument(ctx context.Context, name string, r io.Reader) (Document, error) {
	return c.upload(ctx, "/upload-text-file", name, r)
}

// UploadAudio submits a call recording for transcription and analysis.
func (c *Client) UploadAudio(ctx context.Context, name string, r io.Reader) (Document, error) {
	return c.upload(ctx, "/upload-audio-file", name, r)
}

func (c *Client) upload(ctx context.Context, path, name string, r io.Reader) (Document, error) {
	ctx, span := c.tracer.Start(ctx, "analysis.upload", trace.WithAttributes(
		attribute.String("analysis.path", path),
		attribute.String("analysis.file", filepath.Base(name))))
	defer span.End()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("user_uuid", c.user); err != nil {
		return Document{}, err
	}
	part, err := form.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return Document{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return Document{}, fmt.Errorf("read upload: %w", err)
	}
	if err := form.Close(); err != nil {
		return Document{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path, nil), &body)
	if err != nil {
		return Document{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var doc Document
	if err := c.do(req, &doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Document{}, err
	}
	return doc, nil
}

// ChatHistory returns the assistant conversation for the configured user,
// or nil when none has been started.
func (c *Client) ChatHistory(ctx context.Context) (*ChatHistory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("/get-chat-history", url.Values{"user_uuid": {c.user}}), nil)
	if err != nil {
		return nil, err
	}
	var history ChatHistory
	if err := c.do(req, &history); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Message == sessionNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &history, nil
}

// Ask sends a question to the assistant and returns its answer.
func (c *Client) Ask(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", ErrEmptyQuery
	}
	payload, err := json.Marshal(map[string]string{"query": query, "user_uuid": c.user})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/chat-with-ai", nil), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		AIResponse string `json:"ai_response"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.AIResponse, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
		return &StatusError{Status: resp.StatusCode, Message: body.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
