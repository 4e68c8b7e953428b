package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

// ChromeConfig configures the Chrome backend.
type ChromeConfig struct {
	DevToolsURL string // ws://host:9222/... attaches to a running browser
	Headless    bool
	UserAgent   string
	Timeout     time.Duration // per-operation ceiling
}

type chromeTab struct {
	id       int
	targetID target.ID
	ctx      context.Context
	cancel   context.CancelFunc
}

// Chrome drives a Chrome instance over the DevTools protocol.
type Chrome struct {
	log     zerolog.Logger
	timeout time.Duration

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	nextID   int
	byID     map[int]*chromeTab
	byTarget map[target.ID]*chromeTab
	active   int
}

// NewChrome launches (or attaches to) Chrome.
func NewChrome(cfg ChromeConfig, log zerolog.Logger) (*Chrome, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.DevToolsURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.DevToolsURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	c := &Chrome{
		log:           log.With().Str("component", "chrome").Logger(),
		timeout:       cfg.Timeout,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		byID:          make(map[int]*chromeTab),
		byTarget:      make(map[target.ID]*chromeTab),
	}

	// The initial page target belongs to browserCtx.
	if t := chromedp.FromContext(browserCtx).Target; t != nil {
		c.track(t.TargetID, browserCtx, func() {})
	}
	return c, nil
}

// track registers a target under a fresh id. Caller must not hold c.mu.
func (c *Chrome) track(id target.ID, ctx context.Context, cancel context.CancelFunc) *chromeTab {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.byTarget[id]; ok {
		return t
	}
	c.nextID++
	t := &chromeTab{id: c.nextID, targetID: id, ctx: ctx, cancel: cancel}
	c.byID[t.id] = t
	c.byTarget[id] = t
	if c.active == 0 {
		c.active = t.id
	}
	return t
}

func (c *Chrome) forget(t *chromeTab) {
	c.mu.Lock()
	delete(c.byID, t.id)
	delete(c.byTarget, t.targetID)
	if c.active == t.id {
		c.active = 0
		for id := range c.byID {
			if c.active == 0 || id < c.active {
				c.active = id
			}
		}
	}
	c.mu.Unlock()
}

func (c *Chrome) tab(tabID int) (*chromeTab, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byID[tabID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
	}
	return t, nil
}

// run executes actions in a tab with the operation timeout and the caller's
// cancellation both applied.
func (c *Chrome) run(ctx context.Context, t *chromeTab, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(t.ctx, c.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Tabs lists page targets. Targets opened outside the agent are attached
// lazily so they get ids too.
func (c *Chrome) Tabs(ctx context.Context) ([]protocol.TabSummary, int, error) {
	infos, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return nil, 0, fmt.Errorf("list targets: %w", err)
	}

	tabs := make([]protocol.TabSummary, 0, len(infos))
	seen := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		seen[info.TargetID] = true
		c.mu.Lock()
		t, ok := c.byTarget[info.TargetID]
		c.mu.Unlock()
		if !ok {
			tctx, cancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(info.TargetID))
			t = c.track(info.TargetID, tctx, cancel)
		}
		tabs = append(tabs, protocol.TabSummary{
			ID:     t.id,
			URL:    info.URL,
			Title:  info.Title,
			Status: "complete",
		})
	}

	// Drop targets that went away underneath us.
	c.mu.Lock()
	var gone []*chromeTab
	for id, t := range c.byTarget {
		if !seen[id] {
			gone = append(gone, t)
		}
	}
	c.mu.Unlock()
	for _, t := range gone {
		c.forget(t)
		t.cancel()
	}

	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	for i := range tabs {
		tabs[i].Active = tabs[i].ID == active
	}
	return tabs, active, nil
}

func (c *Chrome) OpenURL(ctx context.Context, url string, tabID int) (protocol.TabSummary, error) {
	var t *chromeTab
	if tabID != 0 {
		var err error
		if t, err = c.tab(tabID); err != nil {
			return protocol.TabSummary{}, err
		}
	} else {
		tctx, cancel := chromedp.NewContext(c.browserCtx)
		// Creates the target.
		if err := chromedp.Run(tctx); err != nil {
			cancel()
			return protocol.TabSummary{}, fmt.Errorf("new tab: %w", err)
		}
		t = c.track(chromedp.FromContext(tctx).Target.TargetID, tctx, cancel)
	}

	var title, location string
	err := c.run(ctx, t,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Title(&title),
		chromedp.Location(&location),
	)
	if err != nil {
		return protocol.TabSummary{}, fmt.Errorf("navigate %s: %w", url, err)
	}

	c.mu.Lock()
	c.active = t.id
	c.mu.Unlock()

	return protocol.TabSummary{ID: t.id, URL: location, Title: title, Active: true, Status: "complete"}, nil
}

func (c *Chrome) CloseTab(ctx context.Context, tabID int) error {
	t, err := c.tab(tabID)
	if err != nil {
		return err
	}
	err = c.run(ctx, t, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.Close().Do(ctx)
	}))
	c.forget(t)
	t.cancel()
	if err != nil {
		return fmt.Errorf("close tab %d: %w", tabID, err)
	}
	return nil
}

func (c *Chrome) GetHTML(ctx context.Context, tabID int) (string, error) {
	t, err := c.tab(tabID)
	if err != nil {
		return "", err
	}
	var html string
	if err := c.run(ctx, t, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("get html: %w", err)
	}
	return html, nil
}

func (c *Chrome) ExecuteScript(ctx context.Context, tabID int, code string) (json.RawMessage, error) {
	t, err := c.tab(tabID)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := c.run(ctx, t, chromedp.Evaluate(code, &raw)); err != nil {
		return nil, fmt.Errorf("execute script: %w", err)
	}
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	return raw, nil
}

func (c *Chrome) InjectCSS(ctx context.Context, tabID int, css string) error {
	t, err := c.tab(tabID)
	if err != nil {
		return err
	}
	literal, err := json.Marshal(css)
	if err != nil {
		return err
	}
	js := fmt.Sprintf(`(() => { const s = document.createElement('style'); s.textContent = %s; document.head.appendChild(s); return true; })()`, literal)
	if err := c.run(ctx, t, chromedp.Evaluate(js, nil)); err != nil {
		return fmt.Errorf("inject css: %w", err)
	}
	return nil
}

func (c *Chrome) GetCookies(ctx context.Context, tabID int) ([]Cookie, error) {
	t, err := c.tab(tabID)
	if err != nil {
		return nil, err
	}
	var cookies []*network.Cookie
	err = c.run(ctx, t, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}

	out := make([]Cookie, 0, len(cookies))
	for _, ck := range cookies {
		out = append(out, Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  ck.Expires,
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: string(ck.SameSite),
		})
	}
	return out, nil
}

// Close shuts the browser down (or detaches from a remote one).
func (c *Chrome) Close() error {
	c.mu.Lock()
	tabs := make([]*chromeTab, 0, len(c.byID))
	for _, t := range c.byID {
		tabs = append(tabs, t)
	}
	c.mu.Unlock()
	for _, t := range tabs {
		t.cancel()
	}
	c.browserCancel()
	c.allocCancel()
	return nil
}
