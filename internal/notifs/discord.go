// Package notifs sends operator alerts to Discord.
package notifs

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/webhook"
	"github.com/disgoorg/snowflake/v2"
)

type Color int

const (
	ColorInfo    Color = 3447003
	ColorWarning Color = 16776960
	ColorAlert   Color = 16711712
)

const pacing = 2 * time.Second

const username = "bidflow"

// Alerter is the operator channel. Sends are best effort; callers usually run
// them in a goroutine and only log failures.
type Alerter interface {
	SendAlert(title, desc string) error
	SendWarning(title, desc string) error
}

type Discord struct {
	alert   webhook.Client
	warning webhook.Client
}

// New builds a Discord alerter from webhook URLs. With no URL configured it
// returns Nop.
func New(alertURL, warningURL string) (Alerter, error) {
	a, err := parseWebhookURL(alertURL)
	if err != nil {
		return nil, err
	}
	w, err := parseWebhookURL(warningURL)
	if err != nil {
		return nil, err
	}
	if a == nil && w == nil {
		return Nop{}, nil
	}
	return &Discord{alert: a, warning: w}, nil
}

// parseWebhookURL accepts https://discord.com/api/webhooks/<id>/<token>.
func parseWebhookURL(raw string) (webhook.Client, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(strings.TrimRight(u.Path, "/"), "/")
	if len(parts) < 2 {
		return nil, &url.Error{Op: "parse", URL: raw, Err: errBadWebhook}
	}
	id, err := snowflake.Parse(parts[len(parts)-2])
	if err != nil {
		return nil, err
	}
	return webhook.New(id, parts[len(parts)-1]), nil
}

func (d *Discord) SendAlert(title, desc string) error {
	return d.send(d.alert, title, desc, ColorAlert)
}

// SendWarning falls back to the alert channel when no warning channel exists.
func (d *Discord) SendWarning(title, desc string) error {
	wh := d.warning
	if wh == nil {
		wh = d.alert
	}
	return d.send(wh, title, desc, ColorWarning)
}

func (d *Discord) send(wh webhook.Client, title, desc string, color Color) error {
	if wh == nil {
		return nil
	}
	embed := discord.Embed{
		Title:       title,
		Description: desc,
		Type:        discord.EmbedTypeRich,
		Color:       int(color),
	}
	_, err := wh.CreateMessage(discord.NewWebhookMessageCreateBuilder().
		SetEmbeds(embed).
		SetUsername(username).
		Build(),
		rest.WithDelay(pacing),
	)
	if err != nil {
		slog.Error("discord notification failed", "err", err, "title", title)
		return err
	}
	return nil
}

type Nop struct{}

func (Nop) SendAlert(title, desc string) error   { return nil }
func (Nop) SendWarning(title, desc string) error { return nil }
