package agent

import (
	"time"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

// cleanupLoop expires stale dedup and queue entries on a fixed interval,
// independent of traffic, and reports a timeout for each expired request.
func (a *Agent) cleanupLoop() {
	ticker := time.NewTicker(a.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.cleanup()
		}
	}
}

func (a *Agent) cleanup() {
	stale := a.dedup.CleanupExpired()
	expired := a.queue.CleanupExpired()

	for _, e := range expired {
		a.dedup.Finish(e.RequestID)
		a.sendError(e.RequestID, protocol.StatusTimeout, protocol.CodeTimeout,
			"request expired after "+a.cfg.RequestTTL.String(), 0)
	}

	if len(stale) > 0 || len(expired) > 0 {
		a.log.Debug().
			Int("stale_dedup", len(stale)).
			Int("expired_queue", len(expired)).
			Msg("cleanup")
	}
}

// dataLoop re-sends the tab state periodically so the broker's cache
// catches tabs changed outside the agent.
func (a *Agent) dataLoop() {
	if a.cfg.DataPushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.DataPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if a.ws.IsConnected() && a.auth.State() == StateAuthenticated {
				a.pushData()
			}
		}
	}
}

// pushData sends a single `data` update with every open tab.
func (a *Agent) pushData() {
	tabs, active, err := a.browser.Tabs(a.ctx)
	if err != nil {
		a.log.Debug().Err(err).Msg("failed to list tabs")
		return
	}

	cmd, err := protocol.NewCommand(protocol.TypeData, "", map[string]any{
		"tabs":        tabs,
		"activeTabId": active,
	})
	if err != nil {
		return
	}
	if err := a.send(cmd); err != nil {
		a.log.Debug().Err(err).Msg("failed to send tab data")
		return
	}

	a.log.Debug().Int("tabs", len(tabs)).Int("active", active).Msg("tab data sent")
}
