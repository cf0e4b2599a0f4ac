package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	apperrors "github.com/lupppig/backupx/internal/errors"
)

// templateData is what user templates see: the stats plus preformatted values.
type templateData struct {
	Stats
	FormattedDuration string
	HumanSize         string
	ErrorText         string
}

func newTemplateData(stats Stats) templateData {
	return templateData{
		Stats:             stats,
		FormattedDuration: stats.Duration.Truncate(time.Second).String(),
		HumanSize:         humanSize(stats.Size),
		ErrorText:         errString(stats.Error),
	}
}

func render(name, text string, stats Stats) ([]byte, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "invalid "+name+" template", "Check the notification template syntax.")
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, newTemplateData(stats)); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to render "+name+" template", "")
	}
	return buf.Bytes(), nil
}

// post sends body and treats any status outside okStatus as a failure.
func post(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body []byte, ok func(int) bool) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConfig, "invalid notification URL", "")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, "notification request failed", "")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if !ok(resp.StatusCode) {
		return apperrors.New(apperrors.TypeConnection, fmt.Sprintf("notification endpoint returned %s", resp.Status), "")
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
