package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// WebhookNotifier sends the stats as JSON, or the rendered Template, to any HTTP endpoint.
type WebhookNotifier struct {
	URL      string
	Method   string
	Template string
	Headers  map[string]string
	Client   *http.Client
}

func NewWebhookNotifier(url, method, tmpl string, headers map[string]string) *WebhookNotifier {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodPost
	}
	return &WebhookNotifier{
		URL:      url,
		Method:   method,
		Template: tmpl,
		Headers:  headers,
		Client:   http.DefaultClient,
	}
}

type webhookPayload struct {
	Stats
	Error string `json:"error,omitempty"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, stats Stats) error {
	if n.URL == "" {
		return nil
	}

	var body []byte
	var err error
	if n.Template != "" {
		body, err = render("webhook", n.Template, stats)
	} else {
		body, err = json.Marshal(webhookPayload{Stats: stats, Error: errString(stats.Error)})
	}
	if err != nil {
		return err
	}

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	return post(ctx, client, n.Method, n.URL, n.Headers, body, func(code int) bool {
		return code < 400
	})
}
