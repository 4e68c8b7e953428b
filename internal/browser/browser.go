// Package browser is the tab-level browser API the agent dispatches commands
// to. Tabs are addressed by small integer ids that stay stable for the life
// of the tab.
package browser

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

// ErrTabNotFound is returned for operations on an unknown or closed tab.
var ErrTabNotFound = errors.New("tab not found")

// Cookie is one cookie visible to a tab.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// API is implemented by browser backends.
type API interface {
	// Tabs lists open tabs and the active tab id (0 if none).
	Tabs(ctx context.Context) ([]protocol.TabSummary, int, error)
	// OpenURL navigates tabID, or a new tab when tabID is 0.
	OpenURL(ctx context.Context, url string, tabID int) (protocol.TabSummary, error)
	CloseTab(ctx context.Context, tabID int) error
	GetHTML(ctx context.Context, tabID int) (string, error)
	// ExecuteScript evaluates code in the page and returns its JSON value.
	ExecuteScript(ctx context.Context, tabID int, code string) (json.RawMessage, error)
	InjectCSS(ctx context.Context, tabID int, css string) error
	GetCookies(ctx context.Context, tabID int) ([]Cookie, error)
	Close() error
}
