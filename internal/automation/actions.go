package automation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/imjszhang/js-eyes/internal/browser"
	"github.com/imjszhang/js-eyes/internal/protocol"
)

// OpenResult is the outcome of OpenURL.
type OpenResult struct {
	TabID  int    `json:"tabId"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Reused bool   `json:"reused,omitempty"`
}

// ScriptResult is the outcome of ExecuteScript.
type ScriptResult struct {
	TabID  int             `json:"tabId"`
	Result json.RawMessage `json:"result"`
}

// GetTabs lists every agent and its tabs.
func (c *Client) GetTabs(ctx context.Context, opts ...CallOption) (*protocol.TabsData, error) {
	var data protocol.TabsData
	if err := c.callInto(ctx, protocol.ActionGetTabs, nil, &data, opts...); err != nil {
		return nil, err
	}
	return &data, nil
}

// ListClients lists the connected agents.
func (c *Client) ListClients(ctx context.Context, opts ...CallOption) (*protocol.ClientsData, error) {
	var data protocol.ClientsData
	if err := c.callInto(ctx, protocol.ActionListClients, nil, &data, opts...); err != nil {
		return nil, err
	}
	return &data, nil
}

// OpenURL opens url in a new tab, or navigates tabID when it is non-zero.
func (c *Client) OpenURL(ctx context.Context, url string, tabID int, opts ...CallOption) (*OpenResult, error) {
	fields := map[string]any{"url": url}
	if tabID != 0 {
		fields["tabId"] = tabID
	}
	var res OpenResult
	if err := c.callInto(ctx, protocol.ActionOpenURL, fields, &res, opts...); err != nil {
		return nil, err
	}
	return &res, nil
}

// CloseTab closes a tab.
func (c *Client) CloseTab(ctx context.Context, tabID int, opts ...CallOption) error {
	_, err := c.Call(ctx, protocol.ActionCloseTab, map[string]any{"tabId": tabID}, opts...)
	return err
}

// GetHTML returns a tab's document HTML.
func (c *Client) GetHTML(ctx context.Context, tabID int, opts ...CallOption) (string, error) {
	var res struct {
		HTML string `json:"html"`
	}
	if err := c.callInto(ctx, protocol.ActionGetHTML, map[string]any{"tabId": tabID}, &res, opts...); err != nil {
		return "", err
	}
	return res.HTML, nil
}

// ExecuteScript evaluates code in a tab.
func (c *Client) ExecuteScript(ctx context.Context, tabID int, code string, opts ...CallOption) (*ScriptResult, error) {
	var res ScriptResult
	fields := map[string]any{"tabId": tabID, "code": code}
	if err := c.callInto(ctx, protocol.ActionExecuteScript, fields, &res, opts...); err != nil {
		return nil, err
	}
	return &res, nil
}

// InjectCSS adds a stylesheet to a tab.
func (c *Client) InjectCSS(ctx context.Context, tabID int, css string, opts ...CallOption) error {
	_, err := c.Call(ctx, protocol.ActionInjectCSS, map[string]any{"tabId": tabID, "css": css}, opts...)
	return err
}

// GetCookies returns the cookies visible to a tab.
func (c *Client) GetCookies(ctx context.Context, tabID int, opts ...CallOption) ([]browser.Cookie, error) {
	var res struct {
		Cookies []browser.Cookie `json:"cookies"`
	}
	if err := c.callInto(ctx, protocol.ActionGetCookies, map[string]any{"tabId": tabID}, &res, opts...); err != nil {
		return nil, err
	}
	return res.Cookies, nil
}

// Result fetches the cached response of an earlier call. A call still in
// flight yields a response with status pending.
func (c *Client) Result(ctx context.Context, requestID string, opts ...CallOption) (*protocol.Response, error) {
	return c.Call(ctx, protocol.ActionGetResult, map[string]any{"resultId": requestID}, opts...)
}

func (c *Client) callInto(ctx context.Context, action string, fields map[string]any, v any, opts ...CallOption) error {
	resp, err := c.Call(ctx, action, fields, opts...)
	if err != nil {
		return err
	}
	if len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", action, err)
	}
	return nil
}
