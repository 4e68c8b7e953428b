package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

// Fake is an in-memory API used by tests and by agents started without a
// browser. Scripts evaluate to the value registered with SetScriptResult.
type Fake struct {
	mu      sync.Mutex
	nextID  int
	tabs    []protocol.TabSummary
	active  int
	html    map[int]string
	css     map[int][]string
	cookies []Cookie
	scripts map[string]json.RawMessage
	opened  int

	// Hook, when set, runs at the start of every operation; a non-nil
	// error fails the operation.
	Hook func(op string) error
}

// NewFake returns a Fake with no tabs.
func NewFake() *Fake {
	return &Fake{
		html:    make(map[int]string),
		css:     make(map[int][]string),
		scripts: make(map[string]json.RawMessage),
	}
}

// AddTab adds a tab directly and returns its id.
func (f *Fake) AddTab(url, title string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(url, title)
}

func (f *Fake) addLocked(url, title string) int {
	f.nextID++
	f.tabs = append(f.tabs, protocol.TabSummary{ID: f.nextID, URL: url, Title: title, Status: "complete"})
	f.active = f.nextID
	f.html[f.nextID] = fmt.Sprintf("<html><head><title>%s</title></head><body></body></html>", title)
	return f.nextID
}

// SetScriptResult registers the JSON value returned for code.
func (f *Fake) SetScriptResult(code string, result json.RawMessage) {
	f.mu.Lock()
	f.scripts[code] = result
	f.mu.Unlock()
}

// SetCookies replaces the cookie jar.
func (f *Fake) SetCookies(c []Cookie) {
	f.mu.Lock()
	f.cookies = c
	f.mu.Unlock()
}

// Opened returns how many tabs OpenURL created.
func (f *Fake) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// InjectedCSS returns the stylesheets injected into tabID.
func (f *Fake) InjectedCSS(tabID int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.css[tabID]...)
}

func (f *Fake) hook(op string) error {
	if f.Hook != nil {
		return f.Hook(op)
	}
	return nil
}

func (f *Fake) indexLocked(tabID int) int {
	for i, t := range f.tabs {
		if t.ID == tabID {
			return i
		}
	}
	return -1
}

func (f *Fake) Tabs(ctx context.Context) ([]protocol.TabSummary, int, error) {
	if err := f.hook("tabs"); err != nil {
		return nil, 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.TabSummary, len(f.tabs))
	for i, t := range f.tabs {
		t.Active = t.ID == f.active
		out[i] = t
	}
	return out, f.active, nil
}

func (f *Fake) OpenURL(ctx context.Context, url string, tabID int) (protocol.TabSummary, error) {
	if err := f.hook("open_url"); err != nil {
		return protocol.TabSummary{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if tabID == 0 {
		tabID = f.addLocked(url, url)
		f.opened++
	} else {
		i := f.indexLocked(tabID)
		if i < 0 {
			return protocol.TabSummary{}, fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
		}
		f.tabs[i].URL = url
		f.tabs[i].Title = url
	}
	f.active = tabID
	t := f.tabs[f.indexLocked(tabID)]
	t.Active = true
	return t, nil
}

func (f *Fake) CloseTab(ctx context.Context, tabID int) error {
	if err := f.hook("close_tab"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexLocked(tabID)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
	}
	f.tabs = append(f.tabs[:i], f.tabs[i+1:]...)
	delete(f.html, tabID)
	if f.active == tabID {
		f.active = 0
		if len(f.tabs) > 0 {
			f.active = f.tabs[len(f.tabs)-1].ID
		}
	}
	return nil
}

func (f *Fake) GetHTML(ctx context.Context, tabID int) (string, error) {
	if err := f.hook("get_html"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexLocked(tabID) < 0 {
		return "", fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
	}
	return f.html[tabID], nil
}

func (f *Fake) ExecuteScript(ctx context.Context, tabID int, code string) (json.RawMessage, error) {
	if err := f.hook("execute_script"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexLocked(tabID) < 0 {
		return nil, fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
	}
	if v, ok := f.scripts[code]; ok {
		return v, nil
	}
	return json.RawMessage("null"), nil
}

func (f *Fake) InjectCSS(ctx context.Context, tabID int, css string) error {
	if err := f.hook("inject_css"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexLocked(tabID) < 0 {
		return fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
	}
	f.css[tabID] = append(f.css[tabID], css)
	return nil
}

func (f *Fake) GetCookies(ctx context.Context, tabID int) ([]Cookie, error) {
	if err := f.hook("get_cookies"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexLocked(tabID) < 0 {
		return nil, fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
	}
	return append([]Cookie(nil), f.cookies...), nil
}

func (f *Fake) Close() error { return nil }
