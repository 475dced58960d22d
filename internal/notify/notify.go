package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"text/template"
	"time"

	"alertflow/internal/clock"
	"alertflow/internal/config"
	"alertflow/internal/notifyqueue"
	"alertflow/internal/templatefmt"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

const maxResponseBody = 64 << 10

// Message is the template data for one delivery attempt.
type Message struct {
	Job     notifyqueue.Job
	Alert   notifyqueue.AlertSnapshot
	Attempt int
	Age     time.Duration
}

// Renderer turns a job into human-readable text.
type Renderer struct {
	tmpl  *template.Template
	clock clock.Clock
}

// NewRenderer compiles the message template.
// Params: template body and clock used for alert age.
// Returns: renderer or parse error.
func NewRenderer(body string, clk clock.Clock) (*Renderer, error) {
	if strings.TrimSpace(body) == "" {
		body = config.DefaultMessageTemplate
	}
	tmpl, err := templatefmt.ParseMessageTemplate("message", body)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Renderer{tmpl: tmpl, clock: clk}, nil
}

// Render formats one job.
func (r *Renderer) Render(job notifyqueue.Job) (string, error) {
	age := time.Duration(0)
	if !job.Alert.FirstSeenAt.IsZero() {
		age = r.clock.Now().Sub(job.Alert.FirstSeenAt)
	}
	return templatefmt.Render(r.tmpl, Message{
		Job:     job,
		Alert:   job.Alert,
		Attempt: job.Attempt,
		Age:     age,
	})
}

// Deliverers builds the channel table for the delivery worker.
// Params: worker config, clock, and logger.
// Returns: deliverers keyed by channel; "*" logs jobs of unconfigured channels.
func Deliverers(cfg config.WorkerConfig, clk clock.Clock, logger *slog.Logger) (map[string]notifyqueue.Deliverer, error) {
	renderer, err := NewRenderer(cfg.MessageTemplate, clk)
	if err != nil {
		return nil, fmt.Errorf("message template: %w", err)
	}
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second}

	deliverers := map[string]notifyqueue.Deliverer{
		"*": notifyqueue.LogDeliverer{Logger: logger},
	}
	if cfg.Webhook.Enabled {
		deliverers["webhook"] = NewWebhookDeliverer(cfg.Webhook, renderer, client)
	}
	if cfg.Mattermost.Enabled {
		deliverers["mattermost"] = NewMattermostDeliverer(cfg.Mattermost, renderer, client)
	}
	if cfg.Telegram.Enabled {
		telegram, err := NewTelegramDeliverer(cfg.Telegram, renderer, client)
		if err != nil {
			return nil, err
		}
		deliverers["telegram"] = telegram
	}
	return deliverers, nil
}

// WebhookDeliverer posts the job and rendered message as JSON.
// Step target is either a bare URL or {"url": ..., "method": ..., "headers": {...}}.
type WebhookDeliverer struct {
	headers  map[string]string
	renderer *Renderer
	client   *http.Client
}

type webhookTarget struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

type webhookPayload struct {
	notifyqueue.Job
	Message string `json:"message"`
}

// NewWebhookDeliverer creates webhook deliverer.
func NewWebhookDeliverer(cfg config.WebhookChannelConfig, renderer *Renderer, client *http.Client) *WebhookDeliverer {
	return &WebhookDeliverer{headers: cfg.Headers, renderer: renderer, client: client}
}

// Deliver sends one job to the step target.
// Params: context and job.
// Returns: request/response bodies; 4xx other than 408/429 and bad targets are permanent.
func (d *WebhookDeliverer) Deliver(ctx context.Context, job notifyqueue.Job) ([]byte, []byte, error) {
	target, err := parseWebhookTarget(job.Target)
	if err != nil {
		return nil, nil, notifyqueue.MarkPermanent(err)
	}
	message, err := d.renderer.Render(job)
	if err != nil {
		return nil, nil, notifyqueue.MarkPermanent(err)
	}
	body, err := json.Marshal(webhookPayload{Job: job, Message: message})
	if err != nil {
		return nil, nil, notifyqueue.MarkPermanent(fmt.Errorf("encode webhook payload: %w", err))
	}

	method := strings.ToUpper(strings.TrimSpace(target.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(body))
	if err != nil {
		return body, nil, notifyqueue.MarkPermanent(fmt.Errorf("build webhook request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Idempotency-Key", job.ID)
	for key, value := range d.headers {
		request.Header.Set(key, value)
	}
	for key, value := range target.Headers {
		request.Header.Set(key, value)
	}

	response, err := d.client.Do(request)
	if err != nil {
		return body, nil, fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	responseBody, _ := io.ReadAll(io.LimitReader(response.Body, maxResponseBody))
	if err := statusError("webhook", response.StatusCode, responseBody); err != nil {
		return body, responseBody, err
	}
	return body, responseBody, nil
}

func parseWebhookTarget(raw string) (webhookTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return webhookTarget{}, errors.New("webhook target is empty")
	}
	if !strings.HasPrefix(raw, "{") {
		return webhookTarget{URL: raw}, nil
	}
	var target webhookTarget
	if err := json.Unmarshal([]byte(raw), &target); err != nil {
		return webhookTarget{}, fmt.Errorf("decode webhook target: %w", err)
	}
	if strings.TrimSpace(target.URL) == "" {
		return webhookTarget{}, errors.New("webhook target url is empty")
	}
	return target, nil
}

// MattermostDeliverer posts rendered messages to Mattermost API posts endpoint.
// Params: API base URL and bot token; step target is the channel id.
type MattermostDeliverer struct {
	baseURL  string
	token    string
	renderer *Renderer
	client   *http.Client
}

// NewMattermostDeliverer creates Mattermost deliverer.
func NewMattermostDeliverer(cfg config.MattermostChannelConfig, renderer *Renderer, client *http.Client) *MattermostDeliverer {
	return &MattermostDeliverer{
		baseURL:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:    strings.TrimSpace(cfg.BotToken),
		renderer: renderer,
		client:   client,
	}
}

// Deliver creates one post in the target channel.
func (d *MattermostDeliverer) Deliver(ctx context.Context, job notifyqueue.Job) ([]byte, []byte, error) {
	channelID := strings.TrimSpace(job.Target)
	if channelID == "" {
		return nil, nil, notifyqueue.MarkPermanent(errors.New("mattermost target channel is empty"))
	}
	message, err := d.renderer.Render(job)
	if err != nil {
		return nil, nil, notifyqueue.MarkPermanent(err)
	}
	body, err := json.Marshal(struct {
		ChannelID string `json:"channel_id"`
		Message   string `json:"message"`
	}{ChannelID: channelID, Message: message})
	if err != nil {
		return nil, nil, notifyqueue.MarkPermanent(fmt.Errorf("encode mattermost payload: %w", err))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/v4/posts", bytes.NewReader(body))
	if err != nil {
		return body, nil, notifyqueue.MarkPermanent(fmt.Errorf("build mattermost request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+d.token)

	response, err := d.client.Do(request)
	if err != nil {
		return body, nil, fmt.Errorf("mattermost send: %w", err)
	}
	defer response.Body.Close()
	responseBody, _ := io.ReadAll(io.LimitReader(response.Body, maxResponseBody))
	if err := statusError("mattermost", response.StatusCode, responseBody); err != nil {
		return body, responseBody, err
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(responseBody, &decoded); err != nil || strings.TrimSpace(decoded.ID) == "" {
		return body, responseBody, errors.New("mattermost response missing post id")
	}
	return body, responseBody, nil
}

// TelegramDeliverer sends rendered messages through the Telegram Bot API.
// Step target is the chat id.
type TelegramDeliverer struct {
	client    *tgbot.Bot
	parseMode tgmodels.ParseMode
	renderer  *Renderer
}

// NewTelegramDeliverer creates Telegram deliverer.
// Params: bot settings, renderer, and HTTP client shared with other channels.
// Returns: deliverer or bot init error.
func NewTelegramDeliverer(cfg config.TelegramChannelConfig, renderer *Renderer, client *http.Client) (*TelegramDeliverer, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	}
	if client != nil {
		options = append(options, tgbot.WithHTTPClient(client.Timeout, client))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramDeliverer{
		client:    botClient,
		parseMode: tgmodels.ParseMode(strings.TrimSpace(cfg.ParseMode)),
		renderer:  renderer,
	}, nil
}

// Deliver sends one message to the target chat.
func (d *TelegramDeliverer) Deliver(ctx context.Context, job notifyqueue.Job) ([]byte, []byte, error) {
	if strings.TrimSpace(job.Target) == "" {
		return nil, nil, notifyqueue.MarkPermanent(errors.New("telegram target chat is empty"))
	}
	message, err := d.renderer.Render(job)
	if err != nil {
		return nil, nil, notifyqueue.MarkPermanent(err)
	}
	params := &tgbot.SendMessageParams{
		ChatID:    normalizeChatID(job.Target),
		Text:      message,
		ParseMode: d.parseMode,
	}
	request, _ := json.Marshal(params)

	sent, err := d.client.SendMessage(ctx, params)
	if err != nil {
		return request, nil, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return request, nil, errors.New("telegram send returned empty message id")
	}
	return request, []byte(`{"message_id":` + strconv.Itoa(sent.ID) + `}`), nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps @channel names as strings.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// statusError classifies a non-2xx response.
// Returns: nil on 2xx, transient error on 408/429/5xx, permanent error otherwise.
func statusError(prefix string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("%s status=%d", prefix, status)
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		err = fmt.Errorf("%s status=%d body=%s", prefix, status, trimmed)
	}
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return err
	}
	return notifyqueue.MarkPermanent(err)
}
