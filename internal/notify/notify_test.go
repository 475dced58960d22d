package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/config"
	"alertflow/internal/domain"
	"alertflow/internal/logging"
	"alertflow/internal/notifyqueue"
)

var notifyNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testJob(channel, target string) notifyqueue.Job {
	return notifyqueue.Job{
		ID:             "job-1",
		NotificationID: "n-1",
		AlertID:        "a-1",
		TenantID:       "acme",
		Channel:        channel,
		Target:         target,
		Attempt:        1,
		Alert: notifyqueue.AlertSnapshot{
			DedupeKey:   "zabbix:T1",
			Title:       "CPU high",
			Severity:    domain.SeverityHigh,
			Status:      domain.AlertStatusOpen,
			FirstSeenAt: notifyNow.Add(-90 * time.Second),
		},
	}
}

func testRenderer(t *testing.T, body string) *Renderer {
	t.Helper()
	renderer, err := NewRenderer(body, clock.NewManual(notifyNow))
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}
	return renderer
}

func TestRendererDefaultTemplate(t *testing.T) {
	t.Parallel()

	message, err := testRenderer(t, "").Render(testJob("email", "ops"))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "[high] CPU high\nstatus: open for 1.5m\nkey: zabbix:T1"
	if message != want {
		t.Fatalf("message=%q want %q", message, want)
	}
}

func TestRendererRejectsBadTemplate(t *testing.T) {
	t.Parallel()

	if _, err := NewRenderer("{{.Alert.Title", nil); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWebhookDelivererSend(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method=%s", r.Method)
		}
		if r.Header.Get("X-Global") != "1" || r.Header.Get("X-Step") != "2" {
			t.Errorf("missing headers: %v", r.Header)
		}
		if r.Header.Get("Idempotency-Key") != "job-1" {
			t.Errorf("idempotency key=%q", r.Header.Get("Idempotency-Key"))
		}
		var payload struct {
			AlertID string `json:"alert_id"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.AlertID != "a-1" || payload.Message != "CPU high" {
			t.Errorf("unexpected payload %+v", payload)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	deliverer := NewWebhookDeliverer(
		config.WebhookChannelConfig{Enabled: true, Headers: map[string]string{"X-Global": "1"}},
		testRenderer(t, "{{.Alert.Title}}"),
		server.Client(),
	)
	target := fmt.Sprintf(`{"url":%q,"method":"put","headers":{"X-Step":"2"}}`, server.URL)
	request, response, err := deliverer.Deliver(context.Background(), testJob("webhook", target))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !strings.Contains(string(request), `"message":"CPU high"`) {
		t.Fatalf("request body %s", request)
	}
	if string(response) != `{"ok":true}` {
		t.Fatalf("response body %s", response)
	}
}

func TestWebhookDelivererClassifiesStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		permanent bool
	}{
		{status: http.StatusBadRequest, permanent: true},
		{status: http.StatusNotFound, permanent: true},
		{status: http.StatusTooManyRequests, permanent: false},
		{status: http.StatusBadGateway, permanent: false},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte("nope"))
		}))
		deliverer := NewWebhookDeliverer(config.WebhookChannelConfig{}, testRenderer(t, ""), server.Client())
		_, response, err := deliverer.Deliver(context.Background(), testJob("webhook", server.URL))
		server.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if notifyqueue.IsPermanent(err) != tc.permanent {
			t.Fatalf("status %d: permanent=%v err=%v", tc.status, notifyqueue.IsPermanent(err), err)
		}
		if !strings.Contains(err.Error(), "body=nope") || string(response) != "nope" {
			t.Fatalf("status %d: body not captured: %v", tc.status, err)
		}
	}
}

func TestWebhookDelivererRejectsBadTarget(t *testing.T) {
	t.Parallel()

	deliverer := NewWebhookDeliverer(config.WebhookChannelConfig{}, testRenderer(t, ""), http.DefaultClient)
	for _, target := range []string{"", `{"method":"POST"}`, `{broken`} {
		_, _, err := deliverer.Deliver(context.Background(), testJob("webhook", target))
		if !notifyqueue.IsPermanent(err) {
			t.Fatalf("target %q: expected permanent error, got %v", target, err)
		}
	}
}

func TestMattermostDelivererSend(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/posts" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("authorization=%q", r.Header.Get("Authorization"))
		}
		var payload struct {
			ChannelID string `json:"channel_id"`
			Message   string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.ChannelID != "channel-1" || payload.Message != "[high] CPU high" {
			t.Errorf("unexpected payload %+v", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"post-1"}`))
	}))
	defer server.Close()

	deliverer := NewMattermostDeliverer(
		config.MattermostChannelConfig{Enabled: true, BaseURL: server.URL + "/", BotToken: "token"},
		testRenderer(t, "[{{.Alert.Severity}}] {{.Alert.Title}}"),
		server.Client(),
	)
	_, response, err := deliverer.Deliver(context.Background(), testJob("mattermost", "channel-1"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !strings.Contains(string(response), "post-1") {
		t.Fatalf("response=%s", response)
	}

	if _, _, err := deliverer.Deliver(context.Background(), testJob("mattermost", " ")); !notifyqueue.IsPermanent(err) {
		t.Fatalf("expected permanent error for empty channel, got %v", err)
	}
}

func TestTelegramDelivererSend(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		chatIDs  []string
		texts    []string
		parseMod []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		mu.Lock()
		chatIDs = append(chatIDs, r.FormValue("chat_id"))
		texts = append(texts, r.FormValue("text"))
		parseMod = append(parseMod, r.FormValue("parse_mode"))
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":101,"date":1,"chat":{"id":1,"type":"private"}}}`))
	}))
	defer server.Close()

	deliverer, err := NewTelegramDeliverer(
		config.TelegramChannelConfig{Enabled: true, BotToken: "token", APIBase: server.URL, ParseMode: "HTML"},
		testRenderer(t, "<b>{{escape .Alert.Title}}</b>"),
		server.Client(),
	)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, response, err := deliverer.Deliver(context.Background(), testJob("telegram", "-1001"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if string(response) != `{"message_id":101}` {
		t.Fatalf("response=%s", response)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 1 || texts[0] != "<b>CPU high</b>" || chatIDs[0] != "-1001" || parseMod[0] != "HTML" {
		t.Fatalf("unexpected request chat=%v text=%v parse=%v", chatIDs, texts, parseMod)
	}
}

func TestTelegramDelivererRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := NewTelegramDeliverer(config.TelegramChannelConfig{Enabled: true}, testRenderer(t, ""), nil); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestDeliverersTable(t *testing.T) {
	t.Parallel()

	deliverers, err := Deliverers(config.WorkerConfig{
		TimeoutSec: 2,
		Webhook:    config.WebhookChannelConfig{Enabled: true},
		Mattermost: config.MattermostChannelConfig{Enabled: true, BaseURL: "http://mm", BotToken: "t"},
		Telegram:   config.TelegramChannelConfig{Enabled: true, BotToken: "t", APIBase: "http://tg"},
	}, clock.NewManual(notifyNow), logging.Discard())
	if err != nil {
		t.Fatalf("deliverers: %v", err)
	}
	for _, channel := range []string{"*", "webhook", "mattermost", "telegram"} {
		if _, ok := deliverers[channel]; !ok {
			t.Fatalf("missing %q deliverer", channel)
		}
	}

	if _, err := Deliverers(config.WorkerConfig{MessageTemplate: "{{"}, nil, logging.Discard()); err == nil {
		t.Fatalf("expected template error")
	}
}
