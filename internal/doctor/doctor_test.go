package doctor

import (
	"context"
	"testing"
	"time"

	"github.com/protectogram/panic-core/internal/config"
)

func TestCheckChatNetwork(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := checkChatNetwork(ctx, config.Config{})
	if result.Name != "Chat provider network" {
		t.Fatalf("expected name 'Chat provider network', got %s", result.Name)
	}
	if result.Status != "PASS" && result.Status != "FAIL" {
		t.Fatalf("expected PASS or FAIL, got %s", result.Status)
	}
}

func TestCheckChatNetwork_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := checkChatNetwork(ctx, config.Config{})
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for canceled context, got %s", result.Status)
	}
}

func TestCheckChatCredentials(t *testing.T) {
	t.Run("feature disabled", func(t *testing.T) {
		result := checkChatCredentials(context.Background(), config.Config{FeaturePanic: false})
		if result.Status != "SKIP" {
			t.Fatalf("expected SKIP, got %s", result.Status)
		}
	})

	t.Run("token missing", func(t *testing.T) {
		result := checkChatCredentials(context.Background(), config.Config{FeaturePanic: true})
		if result.Status != "WARN" {
			t.Fatalf("expected WARN, got %s", result.Status)
		}
	})

	t.Run("token set", func(t *testing.T) {
		result := checkChatCredentials(context.Background(), config.Config{FeaturePanic: true, ChatBotToken: "token"})
		if result.Status != "PASS" {
			t.Fatalf("expected PASS, got %s", result.Status)
		}
	})
}

func TestCheckWebhookSecrets(t *testing.T) {
	t.Run("skipped outside production", func(t *testing.T) {
		result := checkWebhookSecrets(context.Background(), config.Config{AppEnv: config.EnvDevelopment})
		if result.Status != "SKIP" {
			t.Fatalf("expected SKIP, got %s", result.Status)
		}
	})

	t.Run("missing in production", func(t *testing.T) {
		result := checkWebhookSecrets(context.Background(), config.Config{AppEnv: config.EnvProduction})
		if result.Status != "FAIL" {
			t.Fatalf("expected FAIL, got %s", result.Status)
		}
	})

	t.Run("present in production", func(t *testing.T) {
		result := checkWebhookSecrets(context.Background(), config.Config{
			AppEnv:             config.EnvProduction,
			ChatWebhookSecret:  "secret",
			VoiceWebhookSecret: "secret",
		})
		if result.Status != "PASS" {
			t.Fatalf("expected PASS, got %s", result.Status)
		}
	})
}

func TestCheckDatabase_EmptyURL(t *testing.T) {
	result := checkDatabase(context.Background(), config.Config{})
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for empty DATABASE_URL, got %s", result.Status)
	}
}
