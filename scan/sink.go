package scan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ResultSink receives each discovery. The scanner only depends on this
// contract; delivery failures are logged by the caller and never stop the
// scan.
type ResultSink interface {
	Deliver(addr Address, rec *ServerRecord) error
}

// ConsoleSink prints a banner block per discovered server.
type ConsoleSink struct{}

func (ConsoleSink) Deliver(addr Address, rec *ServerRecord) error {
	divider := "============================================================"
	fmt.Printf("\n%s\n", divider)
	fmt.Printf("MINECRAFT SERVER FOUND: %s\n", addr)
	fmt.Println(divider)
	fmt.Printf("Version: %s (protocol %d)\n", rec.Version, rec.Protocol)
	fmt.Printf("Players: %d/%d\n", rec.PlayersOnline, rec.PlayersMax)
	fmt.Printf("Latency: %.1fms\n", rec.LatencyMS)
	if rec.WhitelistHint {
		fmt.Println("Possible Whitelist: Yes")
	} else {
		fmt.Println("Possible Whitelist: No/Unknown")
	}
	fmt.Printf("Description: %s\n", rec.MOTD)
	if len(rec.PlayerSample) > 0 {
		fmt.Printf("Online Players: %s\n", joinNames(rec.PlayerSample))
	}
	fmt.Printf("%s\n\n", divider)
	return nil
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// FileSink appends one JSON line per discovery.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &FileSink{file: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Deliver(addr Address, rec *ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(rec)
}

func (s *FileSink) Close() error {
	return s.file.Close()
}

// WebhookSink posts a Discord-webhook embed per discovery. Sends are spaced
// out to stay under the webhook rate limit.
type WebhookSink struct {
	URL    string
	client *http.Client

	mu       sync.Mutex
	lastSend time.Time
}

// minSendGap matches Discord's tolerated webhook cadence.
const minSendGap = 750 * time.Millisecond

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []webhookField `json:"fields"`
}

type webhookField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func (s *WebhookSink) Deliver(addr Address, rec *ServerRecord) error {
	s.throttle()

	motd := rec.MOTD
	if len(motd) > 1024 {
		motd = motd[:1021] + "..."
	}
	whitelist := "No/Unknown"
	if rec.WhitelistHint {
		whitelist = "Yes"
	}
	fields := []webhookField{
		{Name: "Version", Value: rec.Version, Inline: true},
		{Name: "Players", Value: fmt.Sprintf("%d/%d", rec.PlayersOnline, rec.PlayersMax), Inline: true},
		{Name: "Latency", Value: fmt.Sprintf("%.1fms", rec.LatencyMS), Inline: true},
		{Name: "Possible Whitelist", Value: whitelist, Inline: true},
		{Name: "Description", Value: motd},
	}
	if len(rec.PlayerSample) > 0 {
		names := joinNames(rec.PlayerSample)
		if len(names) > 1024 {
			names = names[:1021] + "..."
		}
		fields = append(fields, webhookField{Name: "Online Players", Value: names})
	}

	payload, err := json.Marshal(map[string]interface{}{
		"embeds": []webhookEmbed{{
			Title:       fmt.Sprintf("Minecraft Server Found: %s", addr),
			Description: fmt.Sprintf("Found an open Minecraft server at %s", addr),
			Color:       0x2ecc71,
			Fields:      fields,
		}},
	})
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.URL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: status %s", resp.Status)
	}
	return nil
}

func (s *WebhookSink) throttle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gap := time.Since(s.lastSend); gap < minSendGap {
		time.Sleep(minSendGap - gap)
	}
	s.lastSend = time.Now()
}

// MultiSink fans a discovery out to several sinks. Every sink is attempted;
// the first error is returned so the caller still logs the failure.
type MultiSink []ResultSink

func (m MultiSink) Deliver(addr Address, rec *ServerRecord) error {
	var first error
	for _, sink := range m {
		if err := sink.Deliver(addr, rec); err != nil {
			log.Warnf("sink delivery failed for %s: %v", addr, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
