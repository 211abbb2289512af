package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mm-hedge-bot/internal/alerts"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
}

func (a *App) operatorEnabled() bool {
	return a.cfg != nil && a.cfg.Telegram.Operator && a.alerts != nil && a.alerts.Enabled()
}

func (a *App) operatorLoop(ctx context.Context) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowed := make(map[int64]struct{}, len(a.cfg.Telegram.AllowedUserIDs))
	for _, id := range a.cfg.Telegram.AllowedUserIDs {
		allowed[id] = struct{}{}
	}
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowed)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowed map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowed) > 0 {
		if _, ok := allowed[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp := a.handleOperatorCommand(ctx, cmd, args, meta)
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address bots as /cmd@botname.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) string {
	switch cmd {
	case "status":
		return a.operatorStatus(args)
	case "pause":
		before := a.runner.Paused()
		a.runner.Pause()
		a.auditOperatorEvent(ctx, a.auditEvent("pause", meta, before))
		if before {
			return "trading already paused"
		}
		return "trading paused"
	case "resume":
		before := a.runner.Paused()
		a.runner.Resume()
		a.auditOperatorEvent(ctx, a.auditEvent("resume", meta, before))
		if !before {
			return "trading already active"
		}
		return "trading resumed"
	default:
		return operatorHelpText()
	}
}

func (a *App) auditEvent(action string, meta operatorMeta, before bool) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         a.now().UTC(),
		Action:       action,
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: before,
		PausedAfter:  a.runner.Paused(),
	}
}

// operatorStatus lists every instance, or only the instances named in names.
func (a *App) operatorStatus(names []string) string {
	lines := []string{fmt.Sprintf("paused: %v, cycles: %d", a.runner.Paused(), a.runner.Cycles())}
	failures := make(map[string]int)
	for _, st := range a.runner.Status() {
		failures[st.Name] = st.Failures
	}
	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[name] = struct{}{}
	}
	shown := func(name string) bool {
		if len(wanted) == 0 {
			return true
		}
		_, ok := wanted[name]
		return ok
	}
	for _, maker := range a.makers {
		if !shown(maker.Name()) {
			continue
		}
		s := maker.Snapshot()
		lines = append(lines, fmt.Sprintf("%s: %s position %d rounds %d profit %.8f failures %d",
			maker.Name(), s.Phase, s.Position, s.Rounds, s.Profit, failures[maker.Name()]))
	}
	for _, grid := range a.grids {
		if !shown(grid.Name()) {
			continue
		}
		s := grid.Snapshot()
		status := "active"
		if s.Stopped {
			status = "stopped"
		}
		lines = append(lines, fmt.Sprintf("%s: %s bids %d asks %d inventory %d profit %.8f failures %d",
			grid.Name(), status, len(s.Bids), len(s.Asks), s.Inventory, s.Profit, failures[grid.Name()]))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status [instance...] - instance phases, positions and profit",
		"/pause - stop polling strategies",
		"/resume - resume polling",
		"/help - this message",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
