// Package webhook is C9, the webhook intake surface: two authenticated
// endpoints, one per provider, that dedupe via the inbox (C2) and
// dispatch fresh events synchronously to the incident state machine
// (C7) or the cascade policy engine (C8), per spec §4.9.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/protectogram/panic-core/internal/audit"
	"github.com/protectogram/panic-core/internal/cascade"
	"github.com/protectogram/panic-core/internal/chatport"
	"github.com/protectogram/panic-core/internal/inbox"
	"github.com/protectogram/panic-core/internal/incident"
	"github.com/protectogram/panic-core/internal/otel"
	"github.com/protectogram/panic-core/internal/store"
	"github.com/protectogram/panic-core/internal/voiceport"
)

// dupCounter is the point 3 "increments a dup-counter" requirement. It's
// a plain in-process counter; spec scopes per-provider observability to
// the core's own metrics exposition, not a durable ledger.
type dupCounter struct {
	chat  int64
	voice int64
}

type Config struct {
	Store    *store.Store
	Inbox    *inbox.Deduper
	Chat     chatport.Provider
	Incident *incident.Machine
	Cascade  *cascade.Engine
	Logger   *slog.Logger

	ChatWebhookSecret  string
	VoiceWebhookSecret string

	RateLimitEnabled bool
	RateLimitPerMin  int
	RateLimitBurst   int
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	dupCnt  dupCounter
	metrics *otel.Metrics
	tracer  trace.Tracer
	limiter *rateLimiter
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		limiter: newRateLimiter(cfg.RateLimitEnabled, cfg.RateLimitPerMin, cfg.RateLimitBurst, logger),
	}
}

// StartRateLimitEviction launches the background goroutine that reclaims
// rate-limit buckets for source addresses that have gone quiet, stopping
// when ctx is canceled. Safe to call even when rate limiting is disabled.
func (s *Server) StartRateLimitEviction(ctx context.Context) {
	s.limiter.startEviction(ctx, 5*time.Minute, 15*time.Minute)
}

// SetMetrics wires the otel instruments recorded by handleChat/handleVoice.
// Optional; a Server with no metrics set just skips recording.
func (s *Server) SetMetrics(metrics *otel.Metrics) {
	s.metrics = metrics
}

// SetTracer wires the server span opened around each handler. Optional;
// a Server with no tracer set just skips span creation.
func (s *Server) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/chat", s.handleChat)
	mux.HandleFunc("/webhook/voice", s.handleVoice)
	return s.limiter.wrap(mux)
}

// DupCounts returns the current per-provider duplicate-delivery counts,
// exposed by the metrics package (httpapi).
func (s *Server) DupCounts() (chat, voice int64) {
	return s.dupCnt.chat, s.dupCnt.voice
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.tracer != nil {
		var span trace.Span
		var ctx context.Context
		ctx, span = otel.StartServerSpan(r.Context(), s.tracer, "webhook.chat",
			otel.AttrProvider.String("chat"))
		defer span.End()
		r = r.WithContext(ctx)
	}
	defer func() {
		if s.metrics != nil {
			s.metrics.WebhookDuration.Record(r.Context(), time.Since(start).Seconds(),
				metric.WithAttributes(otel.AttrProvider.String("chat")))
		}
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.ChatWebhookSecret == "" || r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != s.cfg.ChatWebhookSecret {
		audit.RecordDenied("webhook.chat", r.RemoteAddr, "secret token mismatch")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := validateJSON(chatUpdateSchema, body); err != nil {
		http.Error(w, "malformed payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	providerEventID := updateEventID(update.UpdateID)

	ev, outcome, err := s.cfg.Inbox.Record(ctx, "chat", providerEventID, body)
	if err != nil {
		s.logger.Error("webhook: record chat event failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if outcome == inbox.Duplicate {
		s.dupCnt.chat++
		if s.metrics != nil {
			s.metrics.WebhookDuplicates.Add(ctx, 1, metric.WithAttributes(otel.AttrProvider.String("chat")))
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.dispatchChat(ctx, update); err != nil {
		s.logger.Error("webhook: chat dispatch failed", "update_id", update.UpdateID, "error", err)
	} else if err := s.cfg.Inbox.MarkProcessed(ctx, ev.ID); err != nil {
		s.logger.Error("webhook: mark chat event processed failed", "update_id", update.UpdateID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// DispatchPolledUpdate runs an update received via long-polling through
// the same dedup-then-dispatch path as handleChat, for the local
// development fallback that bypasses the push webhook entirely (see
// cmd/protectogram's wiring).
func (s *Server) DispatchPolledUpdate(ctx context.Context, update tgbotapi.Update) {
	body, err := json.Marshal(update)
	if err != nil {
		s.logger.Error("webhook: marshal polled update failed", "error", err)
		return
	}
	providerEventID := updateEventID(update.UpdateID)

	ev, outcome, err := s.cfg.Inbox.Record(ctx, "chat", providerEventID, body)
	if err != nil {
		s.logger.Error("webhook: record polled chat event failed", "error", err)
		return
	}
	if outcome == inbox.Duplicate {
		s.dupCnt.chat++
		return
	}
	if err := s.dispatchChat(ctx, update); err != nil {
		s.logger.Error("webhook: polled chat dispatch failed", "update_id", update.UpdateID, "error", err)
	} else if err := s.cfg.Inbox.MarkProcessed(ctx, ev.ID); err != nil {
		s.logger.Error("webhook: mark polled chat event processed failed", "update_id", update.UpdateID, "error", err)
	}
}

func (s *Server) dispatchChat(ctx context.Context, update tgbotapi.Update) error {
	if update.CallbackQuery == nil {
		// Plain messages carry no domain action; the chat surface is
		// button-driven (spec §6's callback-data encoding).
		return nil
	}
	cq := update.CallbackQuery
	action, incidentID, err := chatport.DecodeCallbackData(cq.Data)
	if err != nil {
		s.logger.Warn("webhook: malformed callback data", "data", cq.Data, "error", err)
		return nil
	}

	user, err := s.cfg.Store.GetUserByChatUserID(ctx, cq.From.ID)
	if err != nil {
		return err
	}

	switch action {
	case "ack":
		_, err = s.cfg.Incident.Acknowledge(ctx, incidentID, user.ID, store.AckViaChatButton)
	case "cancel":
		_, err = s.cfg.Incident.Cancel(ctx, incidentID, user.ID)
	default:
		s.logger.Warn("webhook: unrecognized callback action", "action", action)
		return nil
	}
	if err != nil {
		return err
	}

	if s.cfg.Chat != nil {
		if cbErr := s.cfg.Chat.AnswerCallback(ctx, cq.ID, "Got it"); cbErr != nil {
			s.logger.Warn("webhook: answer callback failed", "error", cbErr)
		}
	}
	return nil
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if s.tracer != nil {
		var span trace.Span
		var ctx context.Context
		ctx, span = otel.StartServerSpan(r.Context(), s.tracer, "webhook.voice",
			otel.AttrProvider.String("voice"))
		defer span.End()
		r = r.WithContext(ctx)
	}
	defer func() {
		if s.metrics != nil {
			s.metrics.WebhookDuration.Record(r.Context(), time.Since(start).Seconds(),
				metric.WithAttributes(otel.AttrProvider.String("voice")))
		}
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !verifyHMAC(body, r.Header.Get("X-Webhook-Signature"), s.cfg.VoiceWebhookSecret) {
		audit.RecordDenied("webhook.voice", r.RemoteAddr, "signature mismatch")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := validateJSON(voiceEnvelopeSchema, body); err != nil {
		http.Error(w, "malformed payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	event, providerEventID, err := voiceport.ParseWebhookEvent(body)
	if err != nil {
		http.Error(w, "malformed payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ev, outcome, err := s.cfg.Inbox.Record(ctx, "voice", providerEventID, body)
	if err != nil {
		s.logger.Error("webhook: record voice event failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if outcome == inbox.Duplicate {
		s.dupCnt.voice++
		if s.metrics != nil {
			s.metrics.WebhookDuplicates.Add(ctx, 1, metric.WithAttributes(otel.AttrProvider.String("voice")))
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.dispatchVoice(ctx, event); err != nil {
		s.logger.Error("webhook: voice dispatch failed", "provider_call_id", event.ProviderCallID, "error", err)
	} else if err := s.cfg.Inbox.MarkProcessed(ctx, ev.ID); err != nil {
		s.logger.Error("webhook: mark voice event processed failed", "provider_call_id", event.ProviderCallID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) dispatchVoice(ctx context.Context, event voiceport.Event) error {
	switch event.Kind {
	case voiceport.EventCallInitiated, voiceport.EventCallAnswered, voiceport.EventAMDResult:
		// Bookkeeping only; the cascade reacts at DTMF/hangup, the only
		// two voice events with a terminal or acknowledging meaning.
		return nil
	case voiceport.EventDTMFReceived:
		digit := event.Digit
		return s.cfg.Cascade.HandleCallResult(ctx, event.ProviderCallID, store.CallAnsweredHuman, &digit, nil)
	case voiceport.EventCallHangup:
		result := voiceport.MapHangupCauseToResult(event.HangupReason)
		reason := event.HangupReason
		err := s.cfg.Cascade.HandleCallResult(ctx, event.ProviderCallID, result, nil, &reason)
		if errors.Is(err, sql.ErrNoRows) {
			// Hangup for a call attempt we never recorded (e.g. it was
			// already acknowledged via DTMF and the row moved on) is
			// not an error worth retrying.
			return nil
		}
		return err
	default:
		return nil
	}
}

// Reconcile re-dispatches one stuck inbox event (processed_at still null
// past the sweep threshold) through the same dispatch path its original
// delivery would have taken, then marks it processed on success. Handlers
// are idempotent by contract (spec §4.2), so re-dispatching an event whose
// domain effects actually did commit before the crash is safe.
func (s *Server) Reconcile(ctx context.Context, ev store.InboxEvent) error {
	switch ev.Provider {
	case "chat":
		var update tgbotapi.Update
		if err := json.Unmarshal(ev.Payload, &update); err != nil {
			return fmt.Errorf("reconcile: decode chat payload: %w", err)
		}
		if err := s.dispatchChat(ctx, update); err != nil {
			return fmt.Errorf("reconcile: dispatch chat: %w", err)
		}
	case "voice":
		event, _, err := voiceport.ParseWebhookEvent(ev.Payload)
		if err != nil {
			return fmt.Errorf("reconcile: decode voice payload: %w", err)
		}
		if err := s.dispatchVoice(ctx, event); err != nil {
			return fmt.Errorf("reconcile: dispatch voice: %w", err)
		}
	default:
		return fmt.Errorf("reconcile: unknown provider %q", ev.Provider)
	}
	return s.cfg.Inbox.MarkProcessed(ctx, ev.ID)
}

func verifyHMAC(body []byte, signatureHex, secret string) bool {
	if secret == "" || signatureHex == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signatureHex), []byte(expected))
}

func updateEventID(updateID int) string {
	return "update-" + strconv.Itoa(updateID)
}
