// Package browse exposes the shared browser to the model as a single
// multi-action tool.
package browse

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/perchlabs/agentd/internal/browser"
	"github.com/perchlabs/agentd/internal/tools"
	"github.com/perchlabs/agentd/pkg/models"
)

// Tool drives a browser session. All calls from one agent run share the
// same session id, so navigation state persists across tool calls.
type Tool struct {
	manager   *browser.Manager
	sessionID string
	maxChars  int
}

// New creates a browse tool bound to sessionID.
func New(manager *browser.Manager, sessionID string) *Tool {
	return &Tool{
		manager:   manager,
		sessionID: sessionID,
		maxChars:  browser.DefaultMaxPageText,
	}
}

func (t *Tool) Name() string { return "browse" }

func (t *Tool) Description() string {
	return "Control a web browser. Actions: navigate (go to a URL), get_text (read the current page), get_info (current URL, title, and links), screenshot (capture the viewport), close (end the session)."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["navigate", "get_text", "get_info", "screenshot", "close"],
				"description": "What to do"
			},
			"url": {
				"type": "string",
				"description": "URL to open, required for navigate"
			}
		},
		"required": ["action"]
	}`)
}

type params struct {
	Action string `json:"action"`
	URL    string `json:"url"`
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*tools.Result, error) {
	var p params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("browse: decode params: %w", err)
	}

	switch p.Action {
	case "navigate":
		return t.navigate(ctx, p.URL)
	case "get_text":
		return t.getText(ctx)
	case "get_info":
		return t.getInfo(ctx)
	case "screenshot":
		return t.screenshot(ctx)
	case "close":
		if err := t.manager.ClosePage(t.sessionID); err != nil {
			return tools.Errorf("browse: close session: %v", err), nil
		}
		return &tools.Result{Content: "Browser session closed."}, nil
	default:
		return tools.Errorf("browse: unknown action %q", p.Action), nil
	}
}

func (t *Tool) navigate(ctx context.Context, url string) (*tools.Result, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return tools.Errorf("browse: navigate requires a url"), nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}

	title, err := t.manager.Navigate(ctx, t.sessionID, url)
	if err != nil {
		// Navigation failures are something the model can route around,
		// and a screenshot often shows what went wrong.
		result := tools.Errorf("browse: navigation to %s failed: %v", url, err)
		t.attachScreenshot(ctx, result)
		return result, nil
	}

	result := &tools.Result{Content: fmt.Sprintf("Opened %s (title: %q).", url, title)}
	t.attachScreenshot(ctx, result)
	return result, nil
}

func (t *Tool) getText(ctx context.Context) (*tools.Result, error) {
	text, err := t.manager.PageText(ctx, t.sessionID, t.maxChars)
	if err != nil {
		return tools.Errorf("browse: read page: %v", err), nil
	}
	if text == "" {
		return &tools.Result{Content: "The page has no readable text."}, nil
	}
	return &tools.Result{Content: text}, nil
}

func (t *Tool) getInfo(ctx context.Context) (*tools.Result, error) {
	info, err := t.manager.Info(ctx, t.sessionID, 50)
	if err != nil {
		return tools.Errorf("browse: page info: %v", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTitle: %s\n", info.URL, info.Title)
	if len(info.Links) > 0 {
		b.WriteString("Links:\n")
		for _, link := range info.Links {
			fmt.Fprintf(&b, "- %s: %s\n", link.Text, link.Href)
		}
	}
	return &tools.Result{Content: b.String()}, nil
}

func (t *Tool) screenshot(ctx context.Context) (*tools.Result, error) {
	png, err := t.manager.Screenshot(ctx, t.sessionID)
	if err != nil {
		return tools.Errorf("browse: screenshot: %v", err), nil
	}
	return &tools.Result{
		Content: "Screenshot captured.",
		Images: []models.Image{{
			MimeType: "image/png",
			Base64:   base64.StdEncoding.EncodeToString(png),
		}},
	}, nil
}

// attachScreenshot adds a viewport capture to result when one can be taken.
// Failures are ignored, the text result stands on its own.
func (t *Tool) attachScreenshot(ctx context.Context, result *tools.Result) {
	png, err := t.manager.Screenshot(ctx, t.sessionID)
	if err != nil {
		return
	}
	result.Images = append(result.Images, models.Image{
		MimeType: "image/png",
		Base64:   base64.StdEncoding.EncodeToString(png),
	})
}
