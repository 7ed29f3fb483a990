// Package notify formats and posts event messages to chat webhooks.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pandeptwidyaop/devflow/internal/models"
)

// Events a channel can subscribe to.
const (
	EventDeploymentStarted   = "deployment.started"
	EventDeploymentCompleted = "deployment.completed"
	EventDeploymentFailed    = "deployment.failed"
	EventHealthCheckFailed   = "health_check.failed"
	EventHealthRecovered     = "health_check.recovered"
	EventBackupCompleted     = "backup.completed"
	EventBackupFailed        = "backup.failed"
	EventSSLExpiring         = "ssl.expiring"
	EventStorageWarning      = "storage.warning"
	EventSecurityAlert       = "security.alert"
)

// Level picks the accent colour of a message.
type Level string

const (
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
	LevelPending Level = "pending"
)

const sender = "DevFlow"

var slackColors = map[Level]string{
	LevelSuccess: "#36a64f",
	LevelWarning: "#ff9800",
	LevelError:   "#f44336",
	LevelInfo:    "#2196f3",
	LevelPending: "#9e9e9e",
}

var discordColors = map[Level]int{
	LevelSuccess: 3066993,
	LevelWarning: 16753920,
	LevelError:   15158332,
	LevelInfo:    3447003,
	LevelPending: 10197915,
}

var teamsColors = map[Level]string{
	LevelSuccess: "00C853",
	LevelWarning: "FF9800",
	LevelError:   "D32F2F",
	LevelInfo:    "0076D7",
	LevelPending: "757575",
}

// Field is a labelled value shown in the message body.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Message is the provider-neutral notification.
type Message struct {
	Time   time.Time      `json:"timestamp"`
	Data   map[string]any `json:"data,omitempty"`
	Event  string         `json:"event"`
	Title  string         `json:"title"`
	Text   string         `json:"text,omitempty"`
	URL    string         `json:"url,omitempty"`
	Level  Level          `json:"level"`
	Fields []Field        `json:"fields,omitempty"`
}

// Notifier posts messages over HTTP.
type Notifier struct {
	client *http.Client
}

func New(timeout time.Duration) *Notifier {
	return &Notifier{client: &http.Client{Timeout: timeout}}
}

// Send posts msg to url using the payload shape of channelType. secret, when
// set, signs generic webhook payloads in X-DevFlow-Signature.
func (n *Notifier) Send(ctx context.Context, channelType, url, secret string, msg Message) error {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	payload, err := Payload(channelType, msg)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	headers := map[string]string{}
	if channelType == models.ChannelWebhook && secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		headers["X-DevFlow-Signature"] = hex.EncodeToString(mac.Sum(nil))
	}
	return n.post(ctx, url, body, headers)
}

// Test posts a short test message.
func (n *Notifier) Test(ctx context.Context, channelType, url string) error {
	var payload any
	text := "Test notification from " + sender
	switch channelType {
	case models.ChannelSlack:
		payload = map[string]any{"text": text}
	case models.ChannelDiscord:
		payload = map[string]any{"content": text}
	case models.ChannelTeams:
		payload = map[string]any{"@type": "MessageCard", "@context": "https://schema.org/extensions", "text": text}
	default:
		payload = map[string]any{"message": text, "timestamp": time.Now().UTC().Format(time.RFC3339)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return n.post(ctx, url, body, nil)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// Payload renders msg in the JSON shape expected by channelType.
func Payload(channelType string, msg Message) (any, error) {
	switch channelType {
	case models.ChannelSlack:
		return slackPayload(msg), nil
	case models.ChannelDiscord:
		return discordPayload(msg), nil
	case models.ChannelTeams:
		return teamsPayload(msg), nil
	case models.ChannelWebhook:
		return map[string]any{
			"event":     msg.Event,
			"timestamp": msg.Time.Format(time.RFC3339),
			"title":     msg.Title,
			"text":      msg.Text,
			"data":      msg.Data,
			"source":    sender,
		}, nil
	}
	return nil, fmt.Errorf("unsupported channel type %q", channelType)
}

func slackPayload(msg Message) map[string]any {
	fields := make([]map[string]any, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		fields = append(fields, map[string]any{"title": f.Name, "value": f.Value, "short": f.Short})
	}
	attachment := map[string]any{
		"color":  slackColors[msg.Level],
		"title":  msg.Title,
		"fields": fields,
		"footer": sender,
		"ts":     msg.Time.Unix(),
	}
	if msg.Text != "" {
		attachment["text"] = msg.Text
	}
	if msg.URL != "" {
		attachment["title_link"] = msg.URL
	}
	return map[string]any{
		"username":    sender,
		"attachments": []any{attachment},
	}
}

func discordPayload(msg Message) map[string]any {
	fields := make([]map[string]any, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		fields = append(fields, map[string]any{"name": f.Name, "value": f.Value, "inline": f.Short})
	}
	embed := map[string]any{
		"title":     msg.Title,
		"color":     discordColors[msg.Level],
		"fields":    fields,
		"footer":    map[string]any{"text": sender},
		"timestamp": msg.Time.Format(time.RFC3339),
	}
	if msg.Text != "" {
		embed["description"] = msg.Text
	}
	if msg.URL != "" {
		embed["url"] = msg.URL
	}
	return map[string]any{
		"username": sender,
		"embeds":   []any{embed},
	}
}

func teamsPayload(msg Message) map[string]any {
	facts := make([]map[string]any, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		facts = append(facts, map[string]any{"name": f.Name, "value": f.Value})
	}
	section := map[string]any{
		"activityTitle": msg.Title,
		"facts":         facts,
		"markdown":      true,
	}
	if msg.Text != "" {
		section["text"] = msg.Text
	}
	card := map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"themeColor": teamsColors[msg.Level],
		"summary":    msg.Title,
		"sections":   []any{section},
	}
	if msg.URL != "" {
		card["potentialAction"] = []any{map[string]any{
			"@type":   "OpenUri",
			"name":    "View Details",
			"targets": []any{map[string]any{"os": "default", "uri": msg.URL}},
		}}
	}
	return card
}

// ShortHash truncates a commit hash to seven characters.
func ShortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}

// Deployment builds a message for a deployment lifecycle event.
func Deployment(event string, project *models.Project, d *models.Deployment, url string) Message {
	msg := Message{
		Event: event,
		URL:   url,
		Fields: []Field{
			{Name: "Project", Value: project.Name, Short: true},
			{Name: "Branch", Value: d.Branch, Short: true},
			{Name: "Commit", Value: ShortHash(d.CommitHash), Short: true},
			{Name: "Triggered By", Value: d.TriggeredBy, Short: true},
		},
		Data: map[string]any{"project_id": project.ID, "deployment_id": d.ID, "status": d.Status},
	}
	switch event {
	case EventDeploymentStarted:
		msg.Level, msg.Title = LevelInfo, "Deployment Started: "+project.Name
	case EventDeploymentCompleted:
		msg.Level, msg.Title = LevelSuccess, "Deployment Successful: "+project.Name
		if d.StartedAt != nil && d.FinishedAt != nil {
			msg.Fields = append(msg.Fields, Field{Name: "Duration", Value: d.FinishedAt.Sub(*d.StartedAt).Round(time.Second).String(), Short: true})
		}
	default:
		msg.Level, msg.Title = LevelError, "Deployment Failed: "+project.Name
		if d.Output != "" {
			msg.Text = "```" + tail(d.Output, 500) + "```"
		}
	}
	return msg
}

// HealthCheck builds a failure or recovery message.
func HealthCheck(event string, check *models.HealthCheck, result *models.HealthCheckResult) Message {
	msg := Message{
		Event: event,
		Fields: []Field{
			{Name: "Check", Value: check.Name, Short: true},
			{Name: "Type", Value: check.CheckType, Short: true},
			{Name: "Target", Value: check.TargetURL},
		},
		Data: map[string]any{"health_check_id": check.ID, "status": check.Status},
	}
	if event == EventHealthRecovered {
		msg.Level, msg.Title = LevelSuccess, "Health Check Recovered: "+check.Name
	} else {
		msg.Level, msg.Title = LevelWarning, "Health Check Failed: "+check.Name
		if check.Status == models.HealthDown {
			msg.Level = LevelError
		}
		msg.Fields = append(msg.Fields, Field{Name: "Consecutive Failures", Value: fmt.Sprint(check.ConsecutiveFailures), Short: true})
	}
	if result != nil {
		msg.Fields = append(msg.Fields, Field{Name: "Response Time", Value: fmt.Sprintf("%d ms", result.ResponseTimeMS), Short: true})
		if result.ErrorMessage != "" {
			msg.Text = result.ErrorMessage
		}
	}
	return msg
}

// Backup builds a backup completion or failure message.
func Backup(event string, b *models.Backup) Message {
	msg := Message{
		Event: event,
		Fields: []Field{
			{Name: "Backup", Value: b.Name, Short: true},
			{Name: "Type", Value: string(b.Type), Short: true},
			{Name: "Storage", Value: b.StorageDriver, Short: true},
		},
		Data: map[string]any{"backup_id": b.ID, "status": b.Status},
	}
	if event == EventBackupCompleted {
		msg.Level, msg.Title = LevelSuccess, "Backup Completed: "+b.Name
		msg.Fields = append(msg.Fields, Field{Name: "Size", Value: humanize.Bytes(uint64(b.SizeBytes)), Short: true})
	} else {
		msg.Level, msg.Title = LevelError, "Backup Failed: "+b.Name
		msg.Text = b.ErrorMessage
	}
	return msg
}

// SSLExpiring warns about a certificate close to expiry.
func SSLExpiring(domain string, days int) Message {
	level := LevelWarning
	if days <= 7 {
		level = LevelError
	}
	return Message{
		Event: EventSSLExpiring,
		Level: level,
		Title: "SSL Certificate Expiring: " + domain,
		Fields: []Field{
			{Name: "Domain", Value: domain, Short: true},
			{Name: "Expires In", Value: fmt.Sprintf("%d days", days), Short: true},
		},
		Data: map[string]any{"domain": domain, "days_until_expiry": days},
	}
}

// StorageWarning reports disk usage on a project or server.
func StorageWarning(name string, used, total uint64) Message {
	pct := 0.0
	if total > 0 {
		pct = float64(used) / float64(total) * 100
	}
	level := LevelWarning
	if pct > 90 {
		level = LevelError
	}
	return Message{
		Event: EventStorageWarning,
		Level: level,
		Title: "Storage Warning: " + name,
		Fields: []Field{
			{Name: "Used", Value: humanize.Bytes(used), Short: true},
			{Name: "Total", Value: humanize.Bytes(total), Short: true},
			{Name: "Usage", Value: fmt.Sprintf("%.1f%%", pct), Short: true},
		},
		Data: map[string]any{"used_bytes": used, "total_bytes": total, "usage_percentage": pct},
	}
}

// SecurityAlert reports a security event.
func SecurityAlert(message, severity string) Message {
	if severity == "" {
		severity = "high"
	}
	return Message{
		Event:  EventSecurityAlert,
		Level:  LevelError,
		Title:  "Security Alert",
		Text:   message,
		Fields: []Field{{Name: "Severity", Value: strings.ToUpper(severity), Short: true}},
		Data:   map[string]any{"message": message, "severity": severity},
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
