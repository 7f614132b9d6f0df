// Command runtime_smoke drives a running Protectogram daemon over plain
// HTTP: health checks, then a synthetic Telegram chat webhook delivery
// sent twice to confirm the second delivery is deduplicated rather than
// re-dispatched. Grounded in the teacher's end-to-end runtime smoke test,
// retargeted from its websocket JSON-RPC agent/approval protocol to
// Protectogram's health and webhook HTTP surfaces.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8080", "daemon base URL")
	chatSecret := flag.String("chat-secret", "", "CHAT_WEBHOOK_SECRET configured on the daemon")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	flag.Parse()

	if strings.TrimSpace(*chatSecret) == "" {
		fmt.Fprintln(os.Stderr, "chat-secret is required")
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}

	if err := checkOK(client, *baseURL+"/health/live"); err != nil {
		fatal("health/live", err)
	}
	fmt.Println("CHECK health/live ok")

	if err := checkOK(client, *baseURL+"/health/ready"); err != nil {
		fatal("health/ready", err)
	}
	fmt.Println("CHECK health/ready ok")

	updateID := int(time.Now().UnixNano() % 1_000_000_000)
	payload := fmt.Sprintf(`{"update_id":%d,"message":{"message_id":1,"date":%d,"chat":{"id":1,"type":"private"},"text":"hello"}}`,
		updateID, time.Now().Unix())

	status1, err := postWebhook(client, *baseURL, *chatSecret, payload)
	if err != nil {
		fatal("first webhook delivery", err)
	}
	if status1 != http.StatusOK {
		fatalf("first webhook delivery: want 200, got %d", status1)
	}
	fmt.Println("CHECK webhook/chat first delivery accepted")

	status2, err := postWebhook(client, *baseURL, *chatSecret, payload)
	if err != nil {
		fatal("second webhook delivery", err)
	}
	if status2 != http.StatusOK {
		fatalf("duplicate webhook delivery: want 200, got %d", status2)
	}
	fmt.Println("CHECK webhook/chat duplicate delivery accepted (deduped)")

	badSecretStatus, err := postWebhookWithSecret(client, *baseURL, "wrong-secret", payload)
	if err != nil {
		fatal("unauthorized webhook delivery", err)
	}
	if badSecretStatus != http.StatusUnauthorized {
		fatalf("webhook with wrong secret: want 401, got %d", badSecretStatus)
	}
	fmt.Println("CHECK webhook/chat wrong secret rejected")

	fmt.Println("VERDICT PASS")
}

func checkOK(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("got %d: %s", resp.StatusCode, body)
	}
	return nil
}

func postWebhook(client *http.Client, baseURL, secret, payload string) (int, error) {
	return postWebhookWithSecret(client, baseURL, secret, payload)
}

func postWebhookWithSecret(client *http.Client, baseURL, secret, payload string) (int, error) {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/webhook/chat", bytes.NewReader([]byte(payload)))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", secret)
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
