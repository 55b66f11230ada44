// Package loki pushes session events to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ultra-bms/client/internal/telemetry/domain"
)

// Job is the job label on every pushed stream.
const Job = "bms-client"

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters that are invalid in Loki label values we emit.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// Client pushes to a Loki instance. It implements telemetry.EventEmitter.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for baseURL (e.g. http://localhost:3100), or nil when baseURL is empty.
// A nil *Client is a valid no-op emitter.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: httpClient}
}

// Emit pushes event as one JSON log line labelled by event type and source.
func (c *Client) Emit(ctx context.Context, event *domain.Event) error {
	if c == nil || event == nil {
		return nil
	}
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.Push(ctx, event.CreatedAt, string(line), labelsFor(event))
}

// PushEventJSON decodes a Kafka message value into an event and pushes it. Values that do not
// decode are pushed verbatim with the current time and no extra labels.
func (c *Client) PushEventJSON(ctx context.Context, raw []byte) error {
	var event domain.Event
	if err := json.Unmarshal(raw, &event); err != nil || event.Type == "" {
		return c.Push(ctx, time.Now().UTC(), string(raw), nil)
	}
	return c.Push(ctx, event.CreatedAt, string(raw), labelsFor(&event))
}

func labelsFor(event *domain.Event) map[string]string {
	labels := map[string]string{"event_type": string(event.Type)}
	if event.Source != "" {
		labels["source"] = event.Source
	}
	if event.Reason != "" {
		labels["reason"] = event.Reason
	}
	return labels
}

// Push sends a single log line. Returns an error if the request fails or Loki returns non-2xx.
func (c *Client) Push(ctx context.Context, timestamp time.Time, line string, labels map[string]string) error {
	if c == nil {
		return fmt.Errorf("loki: client not configured")
	}
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	streamLabels := make(map[string]string, len(labels)+1)
	streamLabels["job"] = Job
	for k, v := range labels {
		if sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_"); sanitized != "" {
			streamLabels[k] = sanitized
		}
	}
	body := PushRequest{
		Streams: []Stream{{
			Stream: streamLabels,
			Values: [][]string{{strconv.FormatInt(timestamp.UnixNano(), 10), line}},
		}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}
