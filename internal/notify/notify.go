// Package notify delivers the welcome message sent when an approved request
// creates a user. Delivery runs after commit and never affects the request.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"approvalq/internal/config"
)

const defaultTimeout = 10 * time.Second

type Notifier interface {
	SendWelcome(ctx context.Context, email, secret string) error
}

// HTTPNotifier posts the welcome message to a mail relay.
type HTTPNotifier struct {
	URL    string
	From   string
	Client *http.Client
}

type welcomeMessage struct {
	UserEmail string `json:"userEmail"`
	Password  string `json:"password"`
	From      string `json:"from,omitempty"`
}

func (n HTTPNotifier) SendWelcome(ctx context.Context, email, secret string) error {
	body, err := json.Marshal(welcomeMessage{UserEmail: email, Password: secret, From: n.From})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			return fmt.Errorf("mail relay returned %d: %s", resp.StatusCode, payload.Error)
		}
		return fmt.Errorf("mail relay returned %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier records the delivery in the process log. The secret is never logged.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) SendWelcome(_ context.Context, email, _ string) error {
	n.Log.Info().Str("email", email).Msg("welcome notification (log only)")
	return nil
}

// FromConfig picks the HTTP relay when one is configured.
func FromConfig(cfg config.EmailConfig, log zerolog.Logger) Notifier {
	if !cfg.IsEnabled() {
		return LogNotifier{Log: log}
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return HTTPNotifier{
		URL:    strings.TrimSpace(cfg.URL),
		From:   cfg.From,
		Client: &http.Client{Timeout: timeout},
	}
}
