/*
Package alerting implements operator alerting on API exhaustion (§5
supplemented feature): a typed incident notifier posting to Slack, with a
no-op disabled mode when unconfigured.

Grounded on observability/pagerduty.go's PagerDutyClient shape from the
teacher — config struct with an Enabled flag, a dedicated HTTP client, one
method per incident kind — retargeted from PagerDuty's Events API to a
Slack incoming webhook via slack-go/slack, since the spec calls for an
"operator-facing log line" rather than a pager escalation.
*/
package alerting

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Config configures the Slack notifier.
type Config struct {
	WebhookURL string
	Channel    string
	Enabled    bool
}

// Notifier posts operator-facing incidents to Slack.
type Notifier struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a Notifier. Enabled stays true only when the caller set it
// and WebhookURL is non-empty; callers running without Slack configured get
// a safe no-op.
func New(cfg Config, logger zerolog.Logger) *Notifier {
	cfg.Enabled = cfg.Enabled && cfg.WebhookURL != ""
	return &Notifier{cfg: cfg, logger: logger.With().Str("component", "alerting").Logger()}
}

// NotifyAPIExhaustion posts the "system API exhausted" incident (§7) that
// the pipeline driver raises when a verification call reports
// insufficient-credits mid-cohort.
func (n *Notifier) NotifyAPIExhaustion(ctx context.Context, taskID string, unprocessed int) {
	msg := fmt.Sprintf("search task %s stopped: system API exhausted, %d records unprocessed and refunded", taskID, unprocessed)
	n.post(msg)
}

// NotifyTaskFailed posts an unexpected task failure.
func (n *Notifier) NotifyTaskFailed(ctx context.Context, taskID, reason string) {
	msg := fmt.Sprintf("search task %s failed: %s", taskID, reason)
	n.post(msg)
}

func (n *Notifier) post(text string) {
	if !n.cfg.Enabled {
		n.logger.Debug().Str("text", text).Msg("slack alerting disabled, suppressing")
		return
	}
	msg := &slack.WebhookMessage{Channel: n.cfg.Channel, Text: text}
	if err := slack.PostWebhook(n.cfg.WebhookURL, msg); err != nil {
		n.logger.Warn().Err(err).Msg("slack webhook post failed")
	}
}
