package twilio

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"bidflow/internal/domain"
)

// WhatsApp quick replies allow three buttons of up to 20 characters.
const (
	maxButtons     = 3
	maxButtonTitle = 20
)

// ContentClient creates quick-reply content templates on demand and caches
// their SIDs by prompt shape, so identical prompts reuse one template.
type ContentClient struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client
	BaseURL    string
	Language   string

	mu    sync.Mutex
	cache map[string]string
}

type contentAction struct {
	Title string `json:"title"`
	ID    string `json:"id"`
}

type contentRequest struct {
	FriendlyName string            `json:"friendly_name"`
	Language     string            `json:"language"`
	Variables    map[string]string `json:"variables"`
	Types        map[string]any    `json:"types"`
}

// QuickReply returns a content SID for the prompt. The body and button ids
// are template variables so one template serves every offer.
func (c *ContentClient) QuickReply(ctx context.Context, p domain.Prompt) (string, map[string]string, error) {
	buttons := p.Buttons
	if len(buttons) > maxButtons {
		buttons = buttons[:maxButtons]
	}
	vars := map[string]string{"1": p.Body}
	actions := make([]contentAction, len(buttons))
	titles := make([]string, len(buttons))
	for i, b := range buttons {
		n := fmt.Sprint(i + 2)
		vars[n] = b.ID
		titles[i] = truncate(b.Title, maxButtonTitle)
		actions[i] = contentAction{Title: titles[i], ID: "{{" + n + "}}"}
	}

	key := shapeKey(titles)
	c.mu.Lock()
	sid, ok := c.cache[key]
	c.mu.Unlock()
	if ok {
		return sid, vars, nil
	}

	sid, err := c.create(ctx, key, actions)
	if err != nil {
		return "", nil, err
	}
	c.mu.Lock()
	if c.cache == nil {
		c.cache = map[string]string{}
	}
	c.cache[key] = sid
	c.mu.Unlock()
	return sid, vars, nil
}

func (c *ContentClient) create(ctx context.Context, key string, actions []contentAction) (string, error) {
	lang := c.Language
	if lang == "" {
		lang = "ar"
	}
	body, err := json.Marshal(contentRequest{
		FriendlyName: "bidflow_qr_" + key[:12],
		Language:     lang,
		Variables:    map[string]string{"1": "body"},
		Types: map[string]any{
			"twilio/quick-reply": map[string]any{"body": "{{1}}", "actions": actions},
			"twilio/text":        map[string]any{"body": "{{1}}"},
		},
	})
	if err != nil {
		return "", err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://content.twilio.com"
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/Content", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.AccountSID, c.AuthToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("twilio content create: status %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Sid == "" {
		return "", fmt.Errorf("twilio content create: bad response: %s", raw)
	}
	return out.Sid, nil
}

func shapeKey(titles []string) string {
	sum := sha256.Sum256([]byte(strings.Join(titles, "\x00")))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
