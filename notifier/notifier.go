// Package notifier keeps a single webhook chat message up to date. The first
// delivery creates the message; every later one edits it in place.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mjasion/balena-home/office-status/pkg/telemetry"
	"github.com/mjasion/balena-home/office-status/state"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultMaxErrors is the error ceiling used when Config.MaxErrors is unset.
	DefaultMaxErrors = 100
	// DefaultTimeout bounds each webhook request.
	DefaultTimeout = 10 * time.Second

	maxBodySample = 200
)

// State is the notifier's lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Config holds webhook settings.
type Config struct {
	WebhookURL string
	Username   string
	AvatarURL  string
	// MaxErrors is the error ceiling; the notifier halts once the count
	// exceeds it.
	MaxErrors int
	Timeout   time.Duration
	// SeedMessageID is used when the store has no message id yet.
	SeedMessageID string
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// Notifier creates and edits the status message. Safe for concurrent use;
// deliveries are serialised.
type Notifier struct {
	cfg    Config
	store  state.Store
	client *http.Client
	tracer trace.Tracer
	logger *zap.Logger

	mu         sync.Mutex
	messageID  string
	errorCount int
}

// New loads the runtime record from store and returns a ready notifier.
func New(ctx context.Context, cfg Config, store state.Store, logger *zap.Logger, opts ...Option) (*Notifier, error) {
	if _, err := url.ParseRequestURI(cfg.WebhookURL); err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	n := &Notifier{
		cfg:   cfg,
		store: store,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tracer: otel.Tracer("github.com/mjasion/balena-home/office-status/notifier"),
		logger: logger,
	}
	for _, opt := range opts {
		opt(n)
	}

	rt, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load notifier state: %w", err)
	}
	n.messageID = rt.MessageID
	n.errorCount = rt.ErrorCount

	if n.messageID == "" && cfg.SeedMessageID != "" {
		n.messageID = cfg.SeedMessageID
		if err := n.persist(ctx); err != nil {
			return nil, err
		}
	}

	logger.Info("Notifier ready",
		zap.String("state", n.stateLocked().String()),
		zap.String("messageId", n.messageID),
		zap.Int("errorCount", n.errorCount),
		zap.Int("maxErrors", cfg.MaxErrors))
	return n, nil
}

// Notify creates the status message on first use and edits it afterwards.
// Failures are returned as *DeliveryError and counted; once the count passes
// the ceiling every call returns ErrHalted without sending anything.
func (n *Notifier) Notify(ctx context.Context, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stateLocked() == StateHalted {
		return ErrHalted
	}

	op := "create"
	if n.messageID != "" {
		op = "edit"
	}
	ctx, span := n.tracer.Start(ctx, "notifier."+op,
		trace.WithAttributes(attribute.String("notifier.message_id", n.messageID)))
	defer span.End()

	var err error
	if n.messageID == "" {
		err = n.create(ctx, content)
	} else {
		err = n.edit(ctx, content)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// shutdown is not a delivery failure
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.recordFailure(ctx, err)
		return err
	}

	telemetry.InfoWithTrace(ctx, n.logger, "Status message delivered",
		zap.String("op", op),
		zap.String("messageId", n.messageID),
		zap.String("content", content))
	return nil
}

func (n *Notifier) recordFailure(ctx context.Context, err error) {
	n.errorCount++
	if perr := n.persist(ctx); perr != nil {
		n.logger.Error("Failed to persist error count", zap.Error(perr))
	}

	telemetry.WarnWithTrace(ctx, n.logger, "Webhook delivery failed",
		zap.Int("errorCount", n.errorCount),
		zap.Int("maxErrors", n.cfg.MaxErrors),
		zap.Error(err))

	if n.stateLocked() == StateHalted {
		telemetry.ErrorWithTrace(ctx, n.logger, "Error ceiling exceeded, notifier halted",
			zap.Int("errorCount", n.errorCount))
	}
}

type createRequest struct {
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Content   string `json:"content"`
}

type editRequest struct {
	Content string `json:"content"`
}

func (n *Notifier) create(ctx context.Context, content string) error {
	u, err := url.Parse(n.cfg.WebhookURL)
	if err != nil {
		return &DeliveryError{Kind: KindTransport, Method: http.MethodPost, Err: err}
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()

	body, status, err := n.send(ctx, http.MethodPost, u.String(), createRequest{
		Username:  n.cfg.Username,
		AvatarURL: n.cfg.AvatarURL,
		Content:   content,
	})
	if err != nil {
		return err
	}

	if status == http.StatusNoContent {
		n.logger.Warn("Webhook created a message without returning it; next delivery will create again")
		return nil
	}

	id, err := parseMessageID(body)
	if err != nil {
		return &DeliveryError{Kind: KindInvalidResponse, Method: http.MethodPost, StatusCode: status, Err: err}
	}

	n.messageID = id
	if err := n.persist(ctx); err != nil {
		n.logger.Error("Failed to persist message id; a restart will create a new message",
			zap.String("messageId", id), zap.Error(err))
	}
	return nil
}

func (n *Notifier) edit(ctx context.Context, content string) error {
	u, err := url.Parse(n.cfg.WebhookURL)
	if err != nil {
		return &DeliveryError{Kind: KindTransport, Method: http.MethodPatch, Err: err}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/messages/" + url.PathEscape(n.messageID)
	u.RawPath = ""

	_, _, err = n.send(ctx, http.MethodPatch, u.String(), editRequest{Content: content})
	return err
}

// send performs one request and returns the body of a successful response.
func (n *Notifier) send(ctx context.Context, method, target string, payload any) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, &DeliveryError{Kind: KindTransport, Method: method, Err: fmt.Errorf("failed to encode payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(data))
	if err != nil {
		return nil, 0, &DeliveryError{Kind: KindTransport, Method: method, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, 0, &DeliveryError{Kind: KindTransport, Method: method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, &DeliveryError{Kind: KindTransport, Method: method, StatusCode: resp.StatusCode, Err: err}
	}

	if derr := classify(method, resp.StatusCode); derr != nil {
		sample := string(body)
		if len(sample) > maxBodySample {
			sample = sample[:maxBodySample] + "..."
		}
		n.logger.Debug("Webhook rejected request",
			zap.String("method", method),
			zap.Int("status", resp.StatusCode),
			zap.String("body", sample))
		return nil, resp.StatusCode, derr
	}
	return body, resp.StatusCode, nil
}

// parseMessageID accepts the id as a JSON string or number.
func parseMessageID(body []byte) (string, error) {
	var msg struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(msg.ID) == 0 || string(msg.ID) == "null" {
		return "", fmt.Errorf("response has no message id")
	}

	var s string
	if err := json.Unmarshal(msg.ID, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("response has an empty message id")
		}
		return s, nil
	}
	var num json.Number
	if err := json.Unmarshal(msg.ID, &num); err != nil {
		return "", fmt.Errorf("unsupported message id %s", msg.ID)
	}
	return num.String(), nil
}

func (n *Notifier) persist(ctx context.Context) error {
	rt := state.Runtime{MessageID: n.messageID, ErrorCount: n.errorCount}
	if err := n.store.Save(ctx, rt); err != nil {
		return fmt.Errorf("failed to save notifier state: %w", err)
	}
	return nil
}

func (n *Notifier) stateLocked() State {
	switch {
	case n.errorCount > n.cfg.MaxErrors:
		return StateHalted
	case n.messageID != "":
		return StateActive
	default:
		return StateUninitialized
	}
}

// State returns the current lifecycle state.
func (n *Notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stateLocked()
}

// Halted reports whether the error ceiling has been exceeded.
func (n *Notifier) Halted() bool {
	return n.State() == StateHalted
}

// ErrorCount returns the persisted count of failed deliveries.
func (n *Notifier) ErrorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.errorCount
}

// MessageID returns the id of the status message, empty before the first
// successful create.
func (n *Notifier) MessageID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.messageID
}

// ResetErrors clears the persisted error count, lifting a halt.
func (n *Notifier) ResetErrors(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errorCount = 0
	return n.persist(ctx)
}
