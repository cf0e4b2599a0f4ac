package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	colorGood    = "#36a64f"
	colorWarning = "#daa038"
	colorDanger  = "#ff0000"
)

type SlackNotifier struct {
	WebhookURL string
	Template   string
	Client     *http.Client
}

func NewSlackNotifier(url, tmpl string) *SlackNotifier {
	return &SlackNotifier{WebhookURL: url, Template: tmpl, Client: http.DefaultClient}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

func humanSize(n int64) string {
	if n <= 0 {
		return ""
	}
	return humanize.IBytes(uint64(n))
}

func slackAttachmentFor(stats Stats, now time.Time) slackAttachment {
	att := slackAttachment{
		Color:  colorGood,
		Title:  "✅ " + stats.Operation + " Successful",
		Footer: "backupx",
		Ts:     now.Unix(),
	}
	switch stats.Status {
	case StatusInterrupted:
		att.Color = colorWarning
		att.Title = "⚠️ " + stats.Operation + " Interrupted"
	case StatusError:
		att.Color = colorDanger
		att.Title = "❌ " + stats.Operation + " Failed"
	}

	att.Fields = []slackField{
		{Title: "Trigger", Value: stats.Trigger, Short: true},
		{Title: "Comment", Value: stats.Comment, Short: true},
		{Title: "File", Value: stats.FileName},
		{Title: "Duration", Value: stats.Duration.Truncate(time.Millisecond).String(), Short: true},
	}
	if size := humanSize(stats.Size); size != "" {
		att.Fields = append(att.Fields, slackField{Title: "Size", Value: size, Short: true})
	}
	if stats.Error != nil {
		att.Text = "*Error:* " + stats.Error.Error()
	}
	return att
}

func (s *SlackNotifier) Notify(ctx context.Context, stats Stats) error {
	if s.WebhookURL == "" {
		return nil
	}

	var body []byte
	var err error
	if s.Template != "" {
		body, err = render("slack", s.Template, stats)
	} else {
		body, err = json.Marshal(slackPayload{
			Attachments: []slackAttachment{slackAttachmentFor(stats, time.Now())},
		})
	}
	if err != nil {
		return err
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	return post(ctx, client, http.MethodPost, s.WebhookURL, nil, body, func(code int) bool {
		return code == http.StatusOK
	})
}
