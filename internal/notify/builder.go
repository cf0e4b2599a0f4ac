package notify

import (
	"net/http"
	"time"

	"github.com/lupppig/backupx/internal/config"
)

const httpTimeout = 10 * time.Second

// BuildNotifier returns nil when no notification endpoint is configured.
func BuildNotifier(cfg *config.Config) Notifier {
	client := &http.Client{Timeout: httpTimeout}
	n := cfg.Notifications

	var all []Notifier
	if n.Slack.WebhookURL != "" {
		s := NewSlackNotifier(n.Slack.WebhookURL, n.Slack.Template)
		s.Client = client
		all = append(all, s)
	}
	for _, hook := range n.Webhooks {
		if hook.URL == "" {
			continue
		}
		w := NewWebhookNotifier(hook.URL, hook.Method, hook.Template, hook.Headers)
		w.Client = client
		all = append(all, w)
	}

	switch len(all) {
	case 0:
		return nil
	case 1:
		return all[0]
	}
	return &MultiNotifier{Notifiers: all}
}
