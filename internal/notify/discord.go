package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	colorGreen  = 3066993
	colorRed    = 15158332
	colorYellow = 16776960
	colorDark   = 10038562
)

// Discord posts outcome embeds to a webhook.
type Discord struct {
	WebhookURL string
	Username   string

	hc *http.Client
}

func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		WebhookURL: webhookURL,
		Username:   "Padel Booking Bot",
		hc:         &http.Client{Timeout: 10 * time.Second},
	}
}

type discordEmbed struct {
	Title     string         `json:"title"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields"`
	Timestamp string         `json:"timestamp"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func (d *Discord) Notify(ctx context.Context, ev Event) error {
	date := ev.TargetDate.Format("2006-01-02")
	var content string
	embed := discordEmbed{Timestamp: time.Now().UTC().Format(time.RFC3339)}

	switch ev.Outcome {
	case OutcomeBooked:
		content = "Padel court booked successfully!"
		embed.Title = "Booking Successful"
		embed.Color = colorGreen
		embed.Fields = []discordField{
			{Name: "Date", Value: date, Inline: true},
			{Name: "Time", Value: ev.SlotTime, Inline: true},
		}
		if ev.CourtName != "" {
			embed.Fields = append(embed.Fields, discordField{Name: "Court", Value: ev.CourtName})
		}
	case OutcomeNoAvailability:
		content = "Requested time slots are unavailable"
		embed.Title = "No Availability"
		embed.Color = colorYellow
		embed.Fields = []discordField{
			{Name: "Date", Value: date, Inline: true},
			{Name: "Time Requested", Value: ev.SlotTime, Inline: true},
			{Name: "Status", Value: "Requested slots are fully booked"},
		}
	case OutcomeSystemError:
		content = "Booking system encountered an error"
		embed.Title = "System Error"
		embed.Color = colorDark
		embed.Fields = []discordField{{Name: "Error", Value: truncate(ev.Detail, 1000)}}
	default:
		content = "Failed to book Padel court"
		embed.Title = "Booking Failed"
		embed.Color = colorRed
		embed.Fields = []discordField{
			{Name: "Date", Value: date, Inline: true},
			{Name: "Time Attempted", Value: ev.SlotTime, Inline: true},
			{Name: "Error", Value: truncate(ev.Detail, 1000)},
		}
	}

	payload, err := json.Marshal(map[string]any{
		"username": d.Username,
		"content":  content,
		"embeds":   []discordEmbed{embed},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord webhook status %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if s == "" {
		return "unknown"
	}
	if len(s) > n {
		return s[:n]
	}
	return s
}
