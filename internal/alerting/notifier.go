package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// AlertNotifier is implemented by transports that can carry the structured
// alert alongside its rendered text.
type AlertNotifier interface {
	Notifier
	NotifyAlert(ctx context.Context, alert Alert, message string) error
}

// TransientError marks a delivery failure that may succeed later.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Deliver sends through NotifyAlert when the notifier supports it.
func Deliver(ctx context.Context, n Notifier, alert Alert, message string) error {
	if an, ok := n.(AlertNotifier); ok {
		return an.NotifyAlert(ctx, alert, message)
	}
	return n.Notify(ctx, message)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken  string
	chatID    string
	baseURL   string
	parseMode string
	client    *http.Client
	logger    zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL, parseMode string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken:  botToken,
		chatID:    chatID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		parseMode: parseMode,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, message string) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    message,
	}
	if n.parseMode != "" {
		payload["parse_mode"] = n.parseMode
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("send telegram request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
		}
	}

	n.logger.Debug().Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier writes alerts to the log; used when no transport is enabled.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, message string) error {
	n.logger.Warn().Msg(message)
	return nil
}

func (n *LogNotifier) NotifyAlert(_ context.Context, a Alert, _ string) error {
	n.logger.Warn().
		Str("alert_id", a.ID.String()).
		Str("kind", string(a.Kind)).
		Str("symbol", a.Symbol).
		Str("pair", a.Pair).
		Str("deviation_pct", a.DeviationPct.StringFixed(4)).
		Str("threshold_pct", a.ThresholdPct.String()).
		Str("direction", string(a.Direction)).
		Msg("ALERT")
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
// The result is transient only if every failure was.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string) error {
	return m.each(func(n Notifier) error { return n.Notify(ctx, message) })
}

func (m Multi) NotifyAlert(ctx context.Context, alert Alert, message string) error {
	return m.each(func(n Notifier) error { return Deliver(ctx, n, alert, message) })
}

func (m Multi) each(fn func(Notifier) error) error {
	var errs []error
	transient := true
	for _, n := range m {
		if err := fn(n); err != nil {
			errs = append(errs, err)
			transient = transient && IsTransient(err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	if transient {
		return &TransientError{Err: errors.Join(errs...)}
	}
	for i, err := range errs {
		var te *TransientError
		if errors.As(err, &te) {
			errs[i] = te.Err
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier      = (*TelegramNotifier)(nil)
	_ AlertNotifier = (*LogNotifier)(nil)
	_ AlertNotifier = Multi(nil)
)
