package voiceport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/protectogram/panic-core/internal/otel"
)

// HTTPProvider is the one concrete voiceport.Provider this implementation
// ships (see SPEC_FULL.md Open Question 1), modeled on the Telnyx call
// control API shape from original_source: a JSON POST carrying `to`,
// `connection_id`, `webhook_url`, and an `actions` list built from
// Instruction, with outbound retry handled by backoff.v5 rather than the
// teacher's hand-rolled retryOnBusy loop (promoted from the teacher's
// indirect dependency per SPEC_FULL.md's DOMAIN STACK).
type HTTPProvider struct {
	apiKey       string
	connectionID string
	baseURL      string
	client       *http.Client
	logger       *slog.Logger
	tracer       trace.Tracer
}

// SetTracer wires the client span opened around each provider call.
// Optional; a provider with no tracer set just skips span creation.
func (p *HTTPProvider) SetTracer(tracer trace.Tracer) {
	p.tracer = tracer
}

func NewHTTPProvider(apiKey, connectionID, baseURL string, logger *slog.Logger) *HTTPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.voice-provider.example/v2"
	}
	return &HTTPProvider{
		apiKey:       apiKey,
		connectionID: connectionID,
		baseURL:      baseURL,
		client:       &http.Client{Timeout: 5 * time.Second},
		logger:       logger,
	}
}

type callAction struct {
	Type          string   `json:"type"`
	Payload       string   `json:"payload,omitempty"`
	Language      string   `json:"language,omitempty"`
	Input         []string `json:"input,omitempty"`
	MaxDigits     int      `json:"max_digits,omitempty"`
	TimeoutMillis int      `json:"timeout_ms,omitempty"`
	ValidDigits   []string `json:"valid_digits,omitempty"`
}

type placeCallRequest struct {
	To           []string     `json:"to"`
	ConnectionID string       `json:"connection_id"`
	WebhookURL   string       `json:"webhook_url"`
	TimeoutSecs  int          `json:"timeout_secs"`
	Actions      []callAction `json:"actions"`
}

type placeCallResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
	} `json:"data"`
}

func (p *HTTPProvider) PlaceCall(ctx context.Context, toE164 string, instructions []Instruction, resultWebhookURL string, ringTimeoutSec, maxAttemptDurationSec int) (string, error) {
	req := placeCallRequest{
		To:           []string{toE164},
		ConnectionID: p.connectionID,
		WebhookURL:   resultWebhookURL,
		TimeoutSecs:  ringTimeoutSec,
		Actions:      toCallActions(instructions),
	}

	op := func() (placeCallResponse, error) {
		var resp placeCallResponse
		err := p.doJSON(ctx, http.MethodPost, "/calls", req, &resp)
		return resp, err
	}
	resp, err := backoff.Retry(ctx, op, backoff.WithMaxTries(3))
	if err != nil {
		return "", fmt.Errorf("voiceport: place call: %w", err)
	}
	return resp.Data.CallControlID, nil
}

func (p *HTTPProvider) Hangup(ctx context.Context, providerCallID string) error {
	path := fmt.Sprintf("/calls/%s/actions/hangup", providerCallID)
	return p.doJSON(ctx, http.MethodPost, path, struct{}{}, nil)
}

func (p *HTTPProvider) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, p.tracer, "voiceport."+method+"."+path,
			otel.AttrProvider.String("voice"))
		defer span.End()
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("voice provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("voice provider returned %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func toCallActions(instructions []Instruction) []callAction {
	actions := make([]callAction, 0, len(instructions))
	for _, in := range instructions {
		switch {
		case in.Speak != nil:
			actions = append(actions, callAction{
				Type:     "speak",
				Payload:  in.Speak.Text,
				Language: in.Speak.Language,
			})
		case in.Gather != nil:
			a := callAction{
				Type:          "gather",
				Input:         []string{"dtmf"},
				MaxDigits:     in.Gather.MaxDigits,
				TimeoutMillis: in.Gather.TimeoutSec * 1000,
			}
			if in.Gather.FinishOn != "" {
				a.ValidDigits = []string{in.Gather.FinishOn}
			}
			actions = append(actions, a)
		case in.Hangup != nil:
			actions = append(actions, callAction{Type: "hangup"})
		}
	}
	return actions
}
