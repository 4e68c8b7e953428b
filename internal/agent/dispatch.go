package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/imjszhang/js-eyes/internal/browser"
	"github.com/imjszhang/js-eyes/internal/protocol"
)

// errUnknownAction marks commands with no handler.
var errUnknownAction = errors.New("unknown action")

// execute runs an admitted command and reports its outcome. A panic in a
// handler degrades to an error for this request only.
func (a *Agent) execute(cmd *protocol.Command) {
	log := a.log.With().Str("action", cmd.Action).Str("request_id", cmd.RequestID).Logger()
	log.Info().Msg("executing command")

	var (
		result map[string]any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("command handler panicked")
				err = fmt.Errorf("internal error: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(a.ctx, a.cfg.RequestTTL)
		defer cancel()
		result, err = a.dispatch(ctx, cmd)
	}()

	a.dedup.Finish(cmd.RequestID)
	if !a.queue.Remove(cmd.RequestID) {
		// Expired by the cleanup loop, which already reported a timeout.
		log.Warn().Msg("command finished after its timeout was reported")
		return
	}

	if err != nil {
		code := protocol.CodeAgentError
		switch {
		case errors.Is(err, errUnknownAction):
			code = protocol.CodeUnknownAction
		case errors.Is(err, browser.ErrTabNotFound):
			code = protocol.CodeNotFound
		case errors.Is(err, context.DeadlineExceeded):
			code = protocol.CodeTimeout
		}
		log.Warn().Err(err).Msg("command failed")
		a.sendError(cmd.RequestID, protocol.StatusError, code, err.Error(), 0)
		return
	}

	reply, err := protocol.NewCommand(protocol.CompleteType(cmd.Action), cmd.RequestID, result)
	if err != nil {
		a.sendError(cmd.RequestID, protocol.StatusError, protocol.CodeInternal, err.Error(), 0)
		return
	}
	if err := a.send(reply); err != nil {
		log.Debug().Err(err).Msg("failed to send completion")
	}
}

// dispatch routes a command to the browser API.
func (a *Agent) dispatch(ctx context.Context, cmd *protocol.Command) (map[string]any, error) {
	switch cmd.Action {
	case protocol.ActionOpenURL:
		return a.openURL(ctx, cmd)

	case protocol.ActionCloseTab:
		tabID, err := requireTab(cmd)
		if err != nil {
			return nil, err
		}
		if err := a.browser.CloseTab(ctx, tabID); err != nil {
			return nil, err
		}
		a.dedup.ForgetTab(tabID)
		go a.pushData()
		return map[string]any{"tabId": tabID}, nil

	case protocol.ActionGetHTML:
		tabID, err := requireTab(cmd)
		if err != nil {
			return nil, err
		}
		html, err := a.browser.GetHTML(ctx, tabID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tabId": tabID, "html": html}, nil

	case protocol.ActionExecuteScript:
		tabID, err := requireTab(cmd)
		if err != nil {
			return nil, err
		}
		code := cmd.String("code")
		if code == "" {
			code = cmd.String("script")
		}
		if code == "" {
			return nil, errors.New("code is required")
		}
		res, err := a.browser.ExecuteScript(ctx, tabID, code)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tabId": tabID, "result": res}, nil

	case protocol.ActionInjectCSS:
		tabID, err := requireTab(cmd)
		if err != nil {
			return nil, err
		}
		css := cmd.String("css")
		if css == "" {
			return nil, errors.New("css is required")
		}
		if err := a.browser.InjectCSS(ctx, tabID, css); err != nil {
			return nil, err
		}
		return map[string]any{"tabId": tabID}, nil

	case protocol.ActionGetCookies:
		tabID, err := requireTab(cmd)
		if err != nil {
			return nil, err
		}
		cookies, err := a.browser.GetCookies(ctx, tabID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tabId": tabID, "cookies": cookies}, nil

	case protocol.ActionGetTabs:
		tabs, active, err := a.browser.Tabs(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tabs": tabs, "activeTabId": active}, nil

	default:
		return nil, fmt.Errorf("%w: %s", errUnknownAction, cmd.Action)
	}
}

// openURL reuses a tab opened for the same URL moments ago instead of
// opening a duplicate.
func (a *Agent) openURL(ctx context.Context, cmd *protocol.Command) (map[string]any, error) {
	url := cmd.String("url")
	if url == "" {
		return nil, errors.New("url is required")
	}
	tabID := cmd.Int("tabId")

	if tabID == 0 {
		if cached, ok := a.dedup.CachedTab(url); ok {
			a.log.Debug().Str("url", url).Int("tab_id", cached).Msg("reusing recently opened tab")
			return map[string]any{"tabId": cached, "url": url, "reused": true}, nil
		}
	}

	tab, err := a.browser.OpenURL(ctx, url, tabID)
	if err != nil {
		return nil, err
	}
	a.dedup.RememberTab(url, tab.ID)
	go a.pushData()
	return map[string]any{"tabId": tab.ID, "url": tab.URL, "title": tab.Title}, nil
}

func requireTab(cmd *protocol.Command) (int, error) {
	tabID := cmd.Int("tabId")
	if tabID == 0 {
		return 0, errors.New("tabId is required")
	}
	return tabID, nil
}
