// Package doctor runs a battery of operational health checks against a
// Protectogram deployment's configuration and dependencies — database
// reachability, provider credentials, webhook secret presence, and DNS
// resolution for the chat/voice provider APIs — and reports a structured
// pass/warn/fail diagnosis. Grounded in the teacher's own doctor package,
// retargeted from LLM-provider/sandbox checks to Protectogram's database,
// chat, and voice dependencies.
package doctor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/protectogram/panic-core/internal/config"
	"github.com/protectogram/panic-core/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	AppEnv  string `json:"app_env"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks against cfg.
func Run(ctx context.Context, cfg config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			AppEnv:  string(cfg.AppEnv),
			Version: version,
		},
	}

	checks := []func(context.Context, config.Config) CheckResult{
		checkDatabase,
		checkChatCredentials,
		checkVoiceCredentials,
		checkWebhookSecrets,
		checkChatNetwork,
		checkVoiceNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkDatabase(ctx context.Context, cfg config.Config) CheckResult {
	if cfg.DatabaseURL == "" {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "DATABASE_URL not set"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	st, err := store.Open(checkCtx, cfg.DatabaseURL, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("connection failed: %v", err)}
	}
	defer st.Close()

	if err := st.DB().PingContext(checkCtx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "connection and schema reachable"}
}

func checkChatCredentials(_ context.Context, cfg config.Config) CheckResult {
	if !cfg.FeaturePanic {
		return CheckResult{Name: "Chat credentials", Status: "SKIP", Message: "FEATURE_PANIC disabled"}
	}
	if cfg.ChatBotToken == "" {
		return CheckResult{Name: "Chat credentials", Status: "WARN", Message: "CHAT_BOT_TOKEN not set"}
	}
	return CheckResult{Name: "Chat credentials", Status: "PASS", Message: "CHAT_BOT_TOKEN is set"}
}

func checkVoiceCredentials(_ context.Context, cfg config.Config) CheckResult {
	if !cfg.FeaturePanic {
		return CheckResult{Name: "Voice credentials", Status: "SKIP", Message: "FEATURE_PANIC disabled"}
	}
	if cfg.VoiceAPIKey == "" {
		return CheckResult{Name: "Voice credentials", Status: "WARN", Message: "VOICE_API_KEY not set"}
	}
	return CheckResult{Name: "Voice credentials", Status: "PASS", Message: "VOICE_API_KEY is set"}
}

func checkWebhookSecrets(_ context.Context, cfg config.Config) CheckResult {
	if cfg.AppEnv != config.EnvProduction {
		return CheckResult{Name: "Webhook secrets", Status: "SKIP", Message: fmt.Sprintf("not required outside production (app_env=%s)", cfg.AppEnv)}
	}
	var missing []string
	if cfg.ChatWebhookSecret == "" {
		missing = append(missing, "CHAT_WEBHOOK_SECRET")
	}
	if cfg.VoiceWebhookSecret == "" {
		missing = append(missing, "VOICE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return CheckResult{Name: "Webhook secrets", Status: "FAIL", Message: fmt.Sprintf("missing in production: %v", missing)}
	}
	return CheckResult{Name: "Webhook secrets", Status: "PASS", Message: "chat and voice webhook secrets both set"}
}

func checkChatNetwork(ctx context.Context, _ config.Config) CheckResult {
	return checkDNS(ctx, "Chat provider network", "api.telegram.org")
}

func checkVoiceNetwork(ctx context.Context, _ config.Config) CheckResult {
	return checkDNS(ctx, "Voice provider network", "api.telnyx.com")
}

func checkDNS(ctx context.Context, name, host string) CheckResult {
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    name,
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    name,
		Status:  "PASS",
		Message: fmt.Sprintf("resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
