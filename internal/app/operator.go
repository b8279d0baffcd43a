package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"deribit-grid-bot/internal/alerts"
	"deribit-grid-bot/internal/grid"
)

// The operator surface is a Telegram command loop: long-poll getUpdates on
// the alert chat and answer /status, /pause, /resume, /recent and /help.
// Commands from other chats, or from users outside the allow list, are
// ignored without a reply.

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.telegram == nil || a.log == nil {
		return
	}
	if !a.cfg.Operator.Enabled || !a.cfg.Alerts.Telegram.Enabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Alerts.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Operator.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Operator.AllowedUserIDs))
	for _, id := range a.cfg.Operator.AllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.telegram.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("operator poll recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	resp := a.handleOperatorCommand(ctx, cmd)
	if resp == "" {
		return
	}
	if err := a.telegram.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err), zap.Int64("update_id", upd.UpdateID))
	}
}

func parseOperatorCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "/")), true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string) string {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx)
	case "pause":
		if a.engine.IsPaused() {
			return "reconciliation already paused"
		}
		a.engine.SetPaused(true)
		return "reconciliation paused; fills stay queued"
	case "resume":
		if !a.engine.IsPaused() {
			return "reconciliation already active"
		}
		a.engine.SetPaused(false)
		return "reconciliation resumed"
	case "recent":
		return a.recentAdvisories(ctx)
	case "help":
		return operatorHelpText()
	default:
		return operatorHelpText()
	}
}

func (a *App) operatorStatus(ctx context.Context) string {
	snap := a.store.Snapshot()
	var buys, sells []string
	for _, o := range snap.Active {
		entry := fmt.Sprintf("%.0f", o.TriggerPrice)
		if o.Direction == grid.Buy {
			buys = append(buys, entry)
		} else {
			sells = append(sells, entry)
		}
	}
	price := "n/a"
	if last, err := a.rest.LastPrice(ctx, a.cfg.Grid.Instrument); err == nil {
		price = fmt.Sprintf("%.2f", last)
	}
	return strings.Join([]string{
		fmt.Sprintf("instrument: %s", a.cfg.Grid.Instrument),
		fmt.Sprintf("connection: %s", a.session.State()),
		fmt.Sprintf("last_price: %s", price),
		fmt.Sprintf("paused: %t", a.engine.IsPaused()),
		fmt.Sprintf("queued_fills: %d", a.engine.QueueDepth()),
		fmt.Sprintf("active_buys: %s", joinOrDash(buys)),
		fmt.Sprintf("active_sells: %s", joinOrDash(sells)),
		fmt.Sprintf("fills_recorded: %d", len(snap.Filled)),
	}, "\n")
}

func (a *App) recentAdvisories(ctx context.Context) string {
	if a.journal == nil {
		return "advisory journal disabled"
	}
	entries, err := a.journal.Recent(ctx, 10)
	if err != nil {
		return fmt.Sprintf("journal read failed: %v", err)
	}
	if len(entries) == 0 {
		return "no advisories recorded"
	}
	return strings.Join(entries, "\n")
}

func joinOrDash(entries []string) string {
	if len(entries) == 0 {
		return "-"
	}
	return strings.Join(entries, "/")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - window, connection and queue state",
		"/pause - hold reconciliation (fills stay queued)",
		"/resume - resume reconciliation",
		"/recent - last 10 advisories",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.log == nil || a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("operator poll failed", zap.Error(err))
}
