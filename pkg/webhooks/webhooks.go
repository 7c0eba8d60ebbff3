package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/tollgate/pkg/governance"
)

// Operation is sent with every delivery so one endpoint can serve both directions
type Operation string

const (
	OperationExecute Operation = "execute"
	OperationRevert  Operation = "revert"
)

// Header names set on every delivery
const (
	HeaderOperation  = "X-Tollgate-Operation"
	HeaderDeliveryID = "X-Tollgate-Delivery"
	HeaderSignature  = "X-Tollgate-Signature"
)

// ErrPermanent marks a delivery the receiver refused. It is not retried.
var ErrPermanent = errors.New("webhook rejected delivery")

// Endpoint is the receiver of one action type
type Endpoint struct {
	URL    string
	Secret string
	// Revertible makes the executor satisfy governance.Reverter
	Revertible bool
}

// Delivery is the JSON body posted to an endpoint
type Delivery struct {
	ID        string            `json:"id"`
	Operation Operation         `json:"operation"`
	Timestamp time.Time         `json:"timestamp"`
	Action    governance.Action `json:"action"`
}

// Executor forwards governed actions to an HTTP endpoint
type Executor struct {
	endpoint Endpoint
	client   *http.Client
	retry    *RetryPolicy
	limiter  *rate.Limiter
}

// Option configures an Executor
type Option func(*Executor)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithRetry replaces the default retry policy
func WithRetry(p *RetryPolicy) Option {
	return func(e *Executor) { e.retry = p }
}

// WithRateLimit caps outbound deliveries per second
func WithRateLimit(perSecond float64) Option {
	return func(e *Executor) {
		if perSecond <= 0 {
			e.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewExecutor creates an executor for one endpoint
func NewExecutor(endpoint Endpoint, opts ...Option) (*Executor, error) {
	if endpoint.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	e := &Executor{
		endpoint: endpoint,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry: NewRetryPolicy(DefaultRetryConfig()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute delivers the action for execution
func (e *Executor) Execute(ctx context.Context, action governance.Action) error {
	return e.deliver(ctx, OperationExecute, action)
}

// Revert delivers the action for reversal
func (e *Executor) Revert(ctx context.Context, action governance.Action) error {
	return e.deliver(ctx, OperationRevert, action)
}

func (e *Executor) deliver(ctx context.Context, op Operation, action governance.Action) error {
	// One ID across retries lets the receiver deduplicate.
	delivery := Delivery{
		ID:        uuid.NewString(),
		Operation: op,
		Timestamp: time.Now().UTC(),
		Action:    action,
	}
	payload, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	return e.retry.Do(ctx, func(ctx context.Context) error {
		return e.send(ctx, delivery, payload)
	})
}

func (e *Executor) send(ctx context.Context, delivery Delivery, payload []byte) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderOperation, string(delivery.Operation))
	req.Header.Set(HeaderDeliveryID, delivery.ID)
	if e.endpoint.Secret != "" {
		req.Header.Set(HeaderSignature, generateSignature(payload, e.endpoint.Secret))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("%w: status %d: %s", ErrPermanent, resp.StatusCode, string(body))
}

// IsRetryable reports whether a delivery error may succeed on another attempt
func IsRetryable(err error) bool {
	return !errors.Is(err, ErrPermanent) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// VerifySignature verifies the signature header on the receiver side
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateSignature generates an HMAC-SHA256 signature
func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Register installs one executor per configured endpoint. Endpoints marked
// Revertible are registered as governance.Reverter too.
func Register(registry *governance.ExecutorRegistry, endpoints map[governance.RequestType]Endpoint, opts ...Option) error {
	for t, ep := range endpoints {
		e, err := NewExecutor(ep, opts...)
		if err != nil {
			return fmt.Errorf("executor for %s: %w", t, err)
		}
		if ep.Revertible {
			registry.Register(t, e)
		} else {
			registry.Register(t, executeOnly{e})
		}
	}
	return nil
}

// executeOnly hides Revert from type assertions
type executeOnly struct {
	e *Executor
}

func (x executeOnly) Execute(ctx context.Context, action governance.Action) error {
	return x.e.Execute(ctx, action)
}
