// Package notify routes triggered alerts to the right channel set per
// severity and fans them out to every user watching the symbol.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/STarLo-rd/stock-monitor-backend/internal/crash"
	"github.com/STarLo-rd/stock-monitor-backend/internal/history"
	"github.com/STarLo-rd/stock-monitor-backend/internal/watchlist"
)

// PushSender is the push-message contract, satisfied by *TelegramChannel.
type PushSender interface {
	Send(ctx context.Context, chatID, text string, urgent bool) error
}

// EmailSender is the email contract, satisfied by *EmailChannel.
type EmailSender interface {
	Send(ctx context.Context, to, subject, html, text string) error
}

// NotifiedMarker flags user/alert pairs as notified, satisfied by
// *watchlist.Store.
type NotifiedMarker interface {
	MarkNotified(ctx context.Context, alertID string, userIDs []string) error
}

// Plan is the channel set chosen for one severity.
type Plan struct {
	Email    bool
	Push     bool
	Urgent   bool // attention-getting delivery on the push channel
	Critical bool // critical framing on message and subject
}

// PlanFor maps a crossed threshold to its channel set: 5 is email only,
// 10 adds push, 15 asks the push channel to ring through, and 20+ gets
// critical framing on both channels.
func PlanFor(threshold float64) Plan {
	switch {
	case threshold >= crash.CriticalThreshold:
		return Plan{Email: true, Push: true, Urgent: true, Critical: true}
	case threshold >= 15:
		return Plan{Email: true, Push: true, Urgent: true}
	case threshold >= 10:
		return Plan{Email: true, Push: true}
	default:
		return Plan{Email: true}
	}
}

// Router dispatches alerts and recoveries across channels.
type Router struct {
	push   PushSender
	email  EmailSender
	marker NotifiedMarker
	logger zerolog.Logger
}

// NewRouter creates a router. push may be nil when no bot is configured.
func NewRouter(push PushSender, email EmailSender, marker NotifiedMarker, logger zerolog.Logger) *Router {
	return &Router{
		push:   push,
		email:  email,
		marker: marker,
		logger: logger.With().Str("component", "notification-router").Logger(),
	}
}

// Dispatch sends one triggered alert to every recipient over the
// severity's channel set, all sends issued in parallel and joined. The
// alert counts as notified when at least one send on any channel
// succeeded; only then are the recipients' user/alert rows marked, and a
// failed mark is logged rather than causing a resend.
func (r *Router) Dispatch(ctx context.Context, trig crash.AlertTrigger, alertID string, recipients []watchlist.Recipient) bool {
	if len(recipients) == 0 {
		return false
	}

	plan := PlanFor(trig.Threshold)
	subject := alertSubject(trig, plan)
	text := alertText(trig, plan)
	html := alertHTML(trig, plan)

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)

	for _, rcpt := range recipients {
		if plan.Push && r.push != nil && rcpt.TelegramChatID != "" {
			wg.Add(1)
			go func(chatID string) {
				defer wg.Done()
				if err := r.push.Send(ctx, chatID, text, plan.Urgent); err != nil {
					r.logger.Error().Err(err).
						Str("symbol", trig.Symbol).Str("chat_id", chatID).
						Msg("push send failed")
					return
				}
				delivered.Add(1)
			}(rcpt.TelegramChatID)
		}

		if plan.Email && rcpt.Email != "" {
			wg.Add(1)
			go func(to string) {
				defer wg.Done()
				if err := r.email.Send(ctx, to, subject, html, text); err != nil {
					r.logger.Error().Err(err).
						Str("symbol", trig.Symbol).Str("to", to).
						Msg("email send failed")
					return
				}
				delivered.Add(1)
			}(rcpt.Email)
		}
	}
	wg.Wait()

	if delivered.Load() == 0 {
		r.logger.Warn().
			Str("symbol", trig.Symbol).Str("alert_id", alertID).
			Int("recipients", len(recipients)).
			Msg("no channel delivered, alert not marked notified")
		return false
	}

	userIDs := make([]string, 0, len(recipients))
	for _, rcpt := range recipients {
		userIDs = append(userIDs, rcpt.UserID)
	}
	if err := r.marker.MarkNotified(ctx, alertID, userIDs); err != nil {
		// The notification is already out; a bookkeeping miss must not
		// trigger a resend.
		r.logger.Error().Err(err).
			Str("alert_id", alertID).
			Msg("failed to mark users notified")
	}
	return true
}

// DispatchRecovery sends a recovery notice over both channels to every
// recipient, unconditionally and fire-and-forget: failures are logged at
// the channel layer and nothing is gated on success.
func (r *Router) DispatchRecovery(ctx context.Context, alert crash.RecoveryAlert, recipients []watchlist.Recipient) {
	subject := fmt.Sprintf("Recovery: %s is bouncing back", alert.Symbol)
	text := recoveryText(alert)
	html := recoveryHTML(alert)

	var wg sync.WaitGroup
	for _, rcpt := range recipients {
		if r.push != nil && rcpt.TelegramChatID != "" {
			wg.Add(1)
			go func(chatID string) {
				defer wg.Done()
				if err := r.push.Send(ctx, chatID, text, false); err != nil {
					r.logger.Error().Err(err).
						Str("symbol", alert.Symbol).Str("chat_id", chatID).
						Msg("recovery push send failed")
				}
			}(rcpt.TelegramChatID)
		}
		if rcpt.Email != "" {
			wg.Add(1)
			go func(to string) {
				defer wg.Done()
				if err := r.email.Send(ctx, to, subject, html, text); err != nil {
					r.logger.Error().Err(err).
						Str("symbol", alert.Symbol).Str("to", to).
						Msg("recovery email send failed")
				}
			}(rcpt.Email)
		}
	}
	wg.Wait()
}

func timeframeLabel(tf history.Timeframe) string {
	switch tf {
	case history.TimeframeDay:
		return "day"
	case history.TimeframeWeek:
		return "week"
	case history.TimeframeMonth:
		return "month"
	case history.TimeframeYear:
		return "year"
	}
	return string(tf)
}

func alertSubject(trig crash.AlertTrigger, plan Plan) string {
	subject := fmt.Sprintf("Crash alert: %s down %.1f%% over the last %s",
		trig.Symbol, trig.DropPct, timeframeLabel(trig.Timeframe))
	if plan.Critical {
		subject = "[CRITICAL] " + subject
	}
	return subject
}

func alertText(trig crash.AlertTrigger, plan Plan) string {
	text := fmt.Sprintf(
		"📉 %s (%s) dropped %.1f%% over the last %s\nCurrent: %.2f | Baseline: %.2f\nThreshold crossed: %.0f%%\n%s",
		trig.Symbol, trig.Market, trig.DropPct, timeframeLabel(trig.Timeframe),
		trig.CurrentPrice, trig.HistoricalPrice, trig.Threshold, trig.Reason)
	if plan.Critical {
		text = "🚨 CRITICAL: " + text
	}
	return text
}

func alertHTML(trig crash.AlertTrigger, plan Plan) string {
	title := fmt.Sprintf("%s dropped %.1f%%", trig.Symbol, trig.DropPct)
	if plan.Critical {
		title = "🚨 CRITICAL: " + title
	}
	return fmt.Sprintf(
		`<h2>%s</h2><p><b>%s</b> (%s) is down <b>%.1f%%</b> over the last %s.</p>
<ul><li>Current price: %.2f</li><li>Baseline: %.2f</li><li>Threshold crossed: %.0f%%</li></ul>
<p>%s</p>`,
		title, trig.Symbol, trig.Market, trig.DropPct, timeframeLabel(trig.Timeframe),
		trig.CurrentPrice, trig.HistoricalPrice, trig.Threshold, trig.Reason)
}

func recoveryText(alert crash.RecoveryAlert) string {
	return fmt.Sprintf(
		"📈 %s (%s) recovered %.1f%% from its alerted low\nCurrent: %.2f | Alerted at: %.2f",
		alert.Symbol, alert.Market, alert.RecoveryPct, alert.CurrentPrice, alert.LastAlertPrice)
}

func recoveryHTML(alert crash.RecoveryAlert) string {
	return fmt.Sprintf(
		`<h2>%s is recovering</h2><p><b>%s</b> (%s) has bounced <b>%.1f%%</b> off its alerted price.</p>
<ul><li>Current price: %.2f</li><li>Alerted at: %.2f</li></ul>`,
		alert.Symbol, alert.Symbol, alert.Market, alert.RecoveryPct,
		alert.CurrentPrice, alert.LastAlertPrice)
}
