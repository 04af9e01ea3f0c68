// Package notify delivers rendered alerts to the configured channels.
// Each channel owns its transport and retry policy; the dispatcher owns
// template rendering and routing. Thread references returned by a channel
// are persisted with the alert record and reused to thread follow-ups.
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
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"slawatch/internal/config"
	"slawatch/internal/domain"
	"slawatch/internal/permanent"
	"slawatch/internal/templatefmt"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// defaultTemplateName is the builtin template every channel can render.
const defaultTemplateName = "default"

// defaultAlertTemplate renders an alert when a rule route names no template.
const defaultAlertTemplate = `[{{ .Category }}] {{ .Title }} ({{ .ItemID }})
rule: {{ .RuleName }} level {{ .Level }}
owner: {{ .Owner }}
{{ if .Link }}link: {{ .Link }}
{{ end }}action: {{ .Action }}`

// summaryTemplateName is the builtin template for run summaries.
const summaryTemplateName = "summary"

// defaultSummaryTemplate renders the end-of-run summary message.
const defaultSummaryTemplate = `SLA run {{ .RunID }}: {{ .ViolationCount }} violations across {{ .ItemCount }} items, {{ .AlertsSent }} alerts sent, {{ .Criticals }} critical.`

// SendResult returns channel-specific metadata after successful delivery.
// Params: thread reference usable to thread the next alert on this channel.
// Returns: optional delivery identifiers.
type SendResult struct {
	ThreadRef string
}

// compiledTemplate holds one parsed template with its channel binding.
type compiledTemplate struct {
	channel string
	body    *template.Template
}

// ChannelSender sends one outbound alert to one channel.
// Params: context and rendered alert payload.
// Returns: channel send metadata and transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, alert domain.AlertPayload) (SendResult, error)
}

// Dispatcher renders and delivers alerts with per-channel retries.
// Params: sender registry, retry policies, and compiled template set.
// Returns: send surface for the run manager.
type Dispatcher struct {
	senders   map[string]ChannelSender
	channels  []string
	retries   map[string]config.NotifyRetry
	logger    *slog.Logger
	templates map[string]compiledTemplate
}

// NewDispatcher builds the alert dispatcher from enabled channels.
// Params: global notify config and optional logger.
// Returns: configured dispatcher with available senders.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	senders := make(map[string]ChannelSender)
	retries := make(map[string]config.NotifyRetry)
	for _, channel := range config.NotifyChannelNames() {
		if !config.NotifyChannelEnabled(cfg, channel) {
			continue
		}
		sender := newSenderForChannel(channel, cfg)
		if sender == nil {
			continue
		}
		senders[channel] = sender
		retries[channel] = config.NotifyChannelRetry(cfg, channel)
	}
	channels := make([]string, 0, len(senders))
	for channel := range senders {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return &Dispatcher{
		senders:   senders,
		channels:  channels,
		retries:   retries,
		logger:    logger,
		templates: buildTemplateSet(cfg),
	}
}

// newSenderForChannel builds the transport sender for one channel key.
// Params: normalized channel key and full notify config.
// Returns: channel sender or nil when channel is unknown.
func newSenderForChannel(channel string, cfg config.NotifyConfig) ChannelSender {
	switch channel {
	case config.NotifyChannelTelegram:
		return NewTelegramSender(cfg.Telegram)
	case config.NotifyChannelWebhook:
		return NewWebhookSender(cfg.Webhook)
	case config.NotifyChannelMattermost:
		return NewMattermostSender(cfg.Mattermost)
	default:
		return nil
	}
}

// Send renders and delivers one alert to a channel/template pair.
// Params: destination channel, template name from the rule route, and alert
// payload.
// Returns: channel metadata and final error after retries.
func (d *Dispatcher) Send(ctx context.Context, channel, templateName string, alert domain.AlertPayload) (SendResult, error) {
	sender, ok := d.senders[channel]
	if !ok {
		return SendResult{}, fmt.Errorf("notify channel %q is not configured", channel)
	}
	compiled, err := d.resolveTemplate(templateName, channel)
	if err != nil {
		return SendResult{}, err
	}

	rendered := alert
	rendered.Channel = channel
	message, err := renderMessage(compiled, rendered)
	if err != nil {
		return SendResult{}, err
	}
	rendered.Message = message

	return d.sendWithRetry(ctx, sender, rendered, d.retries[channel])
}

// SendSummary renders and delivers one run summary message.
// Params: destination channel, template name (builtin "summary" when empty),
// and summary data.
// Returns: final delivery error after retries.
func (d *Dispatcher) SendSummary(ctx context.Context, channel, templateName string, summary any) error {
	sender, ok := d.senders[channel]
	if !ok {
		return fmt.Errorf("notify channel %q is not configured", channel)
	}
	if strings.TrimSpace(templateName) == "" {
		templateName = summaryTemplateName
	}
	compiled, err := d.resolveTemplate(templateName, channel)
	if err != nil {
		return err
	}
	message, err := renderMessage(compiled, summary)
	if err != nil {
		return err
	}

	alert := domain.AlertPayload{Channel: channel, Message: message, Timestamp: time.Now().UTC()}
	_, err = d.sendWithRetry(ctx, sender, alert, d.retries[channel])
	return err
}

// sendWithRetry sends one alert with the channel-specific retry policy.
// Params: sender, payload, and retry policy for the sender channel.
// Returns: channel metadata and final error after retries. Permanent errors
// stop the loop immediately.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, alert domain.AlertPayload, retry config.NotifyRetry) (SendResult, error) {
	if !retry.Enabled {
		return sender.Send(ctx, alert)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	var timer *time.Timer
	stopTimer := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	for {
		attempt++
		result, err := sender.Send(ctx, alert)
		if err == nil {
			stopTimer()
			if retry.LogEachAttempt && attempt > 1 && d.logger != nil {
				d.logger.Info("alert send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return result, nil
		}
		if retry.LogEachAttempt && d.logger != nil {
			d.logger.Warn("alert send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}
		if permanent.Is(err) {
			stopTimer()
			return SendResult{}, fmt.Errorf("channel %s rejected alert: %w", sender.Channel(), err)
		}

		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			stopTimer()
			return SendResult{}, fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		if timer == nil {
			timer = time.NewTimer(backoff)
		} else {
			stopTimer()
			timer.Reset(backoff)
		}
		select {
		case <-ctx.Done():
			stopTimer()
			return SendResult{}, ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Channels returns the configured channel list.
// Params: none.
// Returns: deterministic sender keys.
func (d *Dispatcher) Channels() []string {
	return d.channels
}

// resolveTemplate selects a compiled template and validates its binding.
// Params: template name from the rule route and destination channel.
// Returns: compiled template for rendering.
func (d *Dispatcher) resolveTemplate(templateName, channel string) (compiledTemplate, error) {
	name := strings.ToLower(strings.TrimSpace(templateName))
	if name == "" {
		name = defaultTemplateName
	}
	compiled, ok := d.templates[templateKey(channel, name)]
	if !ok || compiled.body == nil {
		return compiledTemplate{}, fmt.Errorf("notify template %q is not configured for channel %q", templateName, channel)
	}
	return compiled, nil
}

// renderMessage executes one compiled template over the payload.
// Params: compiled template and template data.
// Returns: rendered message body.
func renderMessage(entry compiledTemplate, data any) (string, error) {
	var rendered strings.Builder
	if err := entry.body.Execute(&rendered, data); err != nil {
		return "", fmt.Errorf("render notify template for channel %q: %w", entry.channel, err)
	}
	return rendered.String(), nil
}

// buildTemplateSet compiles builtin and configured templates per channel.
// Params: notify config snapshot, already validated at load.
// Returns: compiled template lookup keyed by channel/name.
func buildTemplateSet(cfg config.NotifyConfig) map[string]compiledTemplate {
	compiled := make(map[string]compiledTemplate)
	for _, channel := range config.NotifyChannelNames() {
		if body, err := templatefmt.ParseAlertTemplate(channel+"."+defaultTemplateName, defaultAlertTemplate); err == nil {
			compiled[templateKey(channel, defaultTemplateName)] = compiledTemplate{channel: channel, body: body}
		}
		if body, err := templatefmt.ParseAlertTemplate(channel+"."+summaryTemplateName, defaultSummaryTemplate); err == nil {
			compiled[templateKey(channel, summaryTemplateName)] = compiledTemplate{channel: channel, body: body}
		}
		for _, entry := range config.NotifyChannelTemplates(cfg, channel) {
			name := strings.ToLower(strings.TrimSpace(entry.Name))
			if name == "" {
				continue
			}
			body, err := templatefmt.ParseAlertTemplate(channel+"."+name, entry.Message)
			if err != nil {
				continue
			}
			compiled[templateKey(channel, name)] = compiledTemplate{channel: channel, body: body}
		}
	}
	return compiled
}

// templateKey builds the deterministic template lookup key.
// Params: normalized channel and template names.
// Returns: unique dispatcher lookup key.
func templateKey(channel, name string) string {
	return strings.ToLower(strings.TrimSpace(channel)) + "/" + strings.ToLower(strings.TrimSpace(name))
}

// TelegramSender posts alerts to the Telegram Bot API.
// Params: bot token, chat id, and base URL from config.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSender creates the Telegram sender.
// Params: Telegram notifier config.
// Returns: initialized sender; config mistakes surface on first Send.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{
		chatID: normalizeChatID(cfg.ChatID),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = permanent.Mark(errors.New("telegram bot token is required"))
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = permanent.Mark(errors.New("telegram chat_id is required"))
		return sender
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
	}
	if strings.TrimSpace(cfg.APIBase) != "" {
		options = append(options, tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = permanent.Mark(fmt.Errorf("init telegram bot: %w", err))
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns the sender channel name.
func (s *TelegramSender) Channel() string {
	return config.NotifyChannelTelegram
}

// Send posts one alert message to the Telegram chat.
// Params: context and rendered alert payload; a numeric ThreadRef threads
// the message as a reply to the previous alert.
// Returns: new message id as the thread reference.
func (s *TelegramSender) Send(ctx context.Context, alert domain.AlertPayload) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, s.initErr
	}
	if s.client == nil {
		return SendResult{}, permanent.Mark(errors.New("telegram client is not initialized"))
	}

	request := &tgbot.SendMessageParams{
		ChatID: s.chatID,
		Text:   alert.Message,
	}
	if replyTo, err := strconv.Atoi(strings.TrimSpace(alert.ThreadRef)); err == nil && replyTo > 0 {
		request.ReplyParameters = &tgmodels.ReplyParameters{
			MessageID: replyTo,
		}
	}

	sent, err := s.client.SendMessage(ctx, request)
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{ThreadRef: strconv.Itoa(sent.ID)}, nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps the rest as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// WebhookSender posts the alert payload to a configured HTTP endpoint.
// Params: endpoint URL, method, timeout, headers, and response ref path.
// Returns: generic JSON webhook sender.
type WebhookSender struct {
	cfg    config.WebhookNotifier
	client *http.Client
}

// NewWebhookSender creates the generic webhook sender.
// Params: webhook notifier config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.WebhookNotifier) *WebhookSender {
	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	return &WebhookSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(timeoutSec) * time.Second,
		},
	}
}

// Channel returns the sender channel name.
func (s *WebhookSender) Channel() string {
	return config.NotifyChannelWebhook
}

// Send delivers the JSON alert payload to the endpoint.
// Params: context and rendered alert payload.
// Returns: optional thread reference extracted from the response when
// ref_json_path is configured. 4xx responses are permanent.
func (s *WebhookSender) Send(ctx context.Context, alert domain.AlertPayload) (SendResult, error) {
	body, err := json.Marshal(alert)
	if err != nil {
		return SendResult{}, permanent.Mark(fmt.Errorf("encode webhook payload: %w", err))
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, permanent.Mark(fmt.Errorf("build webhook request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		statusErr := unexpectedHTTPStatusError("webhook", response)
		if response.StatusCode >= 400 && response.StatusCode < 500 {
			return SendResult{}, permanent.Mark(statusErr)
		}
		return SendResult{}, statusErr
	}

	refPath := strings.TrimSpace(s.cfg.RefJSONPath)
	if refPath == "" {
		return SendResult{}, nil
	}
	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return SendResult{}, fmt.Errorf("read webhook response: %w", err)
	}
	ref, err := extractJSONPathString(responseBody, refPath)
	if err != nil {
		// A missing ref does not undo a delivered alert.
		return SendResult{}, nil
	}
	return SendResult{ThreadRef: ref}, nil
}

// MattermostSender posts alerts to the Mattermost posts API.
// Params: API base URL, bot token, and channel id from config.
// Returns: Mattermost sender.
type MattermostSender struct {
	cfg    config.MattermostConfig
	client *http.Client
}

// NewMattermostSender creates the Mattermost sender.
// Params: Mattermost config.
// Returns: initialized sender.
func NewMattermostSender(cfg config.MattermostConfig) *MattermostSender {
	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	return &MattermostSender{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}
}

// Channel returns the sender channel name.
func (s *MattermostSender) Channel() string {
	return config.NotifyChannelMattermost
}

// Send posts one formatted message to the Mattermost channel.
// Params: context and rendered alert payload; ThreadRef becomes the root_id
// so follow-up alerts land in the original thread.
// Returns: post id as the thread reference.
func (s *MattermostSender) Send(ctx context.Context, alert domain.AlertPayload) (SendResult, error) {
	payload := struct {
		ChannelID string `json:"channel_id"`
		Message   string `json:"message"`
		RootID    string `json:"root_id,omitempty"`
	}{
		ChannelID: strings.TrimSpace(s.cfg.ChannelID),
		Message:   alert.Message,
		RootID:    strings.TrimSpace(alert.ThreadRef),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, permanent.Mark(fmt.Errorf("encode mattermost payload: %w", err))
	}

	endpoint := strings.TrimRight(strings.TrimSpace(s.cfg.BaseURL), "/") + "/api/v4/posts"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, permanent.Mark(fmt.Errorf("build mattermost request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+strings.TrimSpace(s.cfg.BotToken))

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("mattermost send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		statusErr := unexpectedHTTPStatusError("mattermost", response)
		if response.StatusCode >= 400 && response.StatusCode < 500 {
			return SendResult{}, permanent.Mark(statusErr)
		}
		return SendResult{}, statusErr
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return SendResult{}, fmt.Errorf("decode mattermost response: %w", err)
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return SendResult{}, errors.New("mattermost response missing id")
	}
	// The thread root stays stable: keep the original ref when replying.
	if payload.RootID != "" {
		return SendResult{ThreadRef: payload.RootID}, nil
	}
	return SendResult{ThreadRef: decoded.ID}, nil
}

// unexpectedHTTPStatusError formats a non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}

// extractJSONPathString extracts a string-like field by dotted JSON path.
// Params: raw JSON body and dotted path (e.g. "result.id").
// Returns: extracted value converted to string.
func extractJSONPathString(body []byte, path string) (string, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return "", errors.New("empty json path")
	}
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return "", err
	}

	current := root
	for _, part := range strings.Split(trimmedPath, ".") {
		token := strings.TrimSpace(part)
		if token == "" {
			return "", errors.New("json path contains empty segment")
		}
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[token]
			if !ok {
				return "", fmt.Errorf("path segment %q not found", token)
			}
			current = next
		case []any:
			index, err := strconv.Atoi(token)
			if err != nil {
				return "", fmt.Errorf("path segment %q is not array index", token)
			}
			if index < 0 || index >= len(typed) {
				return "", fmt.Errorf("array index %d out of bounds", index)
			}
			current = typed[index]
		default:
			return "", fmt.Errorf("path segment %q not reachable from %T", token, current)
		}
	}

	switch typed := current.(type) {
	case string:
		value := strings.TrimSpace(typed)
		if value == "" {
			return "", errors.New("json path resolved to empty string")
		}
		return value, nil
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("json path resolved to unsupported type %T", current)
	}
}
