// Package site implements the Remote Actor against the club portal's
// member endpoints: authenticate, stage the booking page, grab a slot at
// the release instant, and confirm it from the member's reservation list.
package site

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/example/court-scheduler/internal/booking"
)

type Config struct {
	BaseURL  string
	Username string
	Password string

	// DryRun skips the actual booking POST; everything up to the click runs
	// for real so timing and availability can be rehearsed.
	DryRun bool

	// EvidenceDir receives portal response snapshots referenced from the
	// audit trail. Empty disables capture.
	EvidenceDir string

	Timeout time.Duration
}

// Client implements booking.Provider. A circuit breaker wraps the portal
// transport so a portal outage during retries fails fast instead of eating
// the commit window with timeouts.
type Client struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "portal",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](settings),
		logger:  logger,
	}
}

// session holds an authenticated http client with its own cookie jar,
// exclusively owned by one request's execution.
type session struct {
	hc     *http.Client
	target time.Time
	staged bool
}

func (s *session) Staged() bool { return s.staged }

func (c *Client) Prepare(ctx context.Context, target time.Time) (booking.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	s := &session{
		hc:     &http.Client{Jar: jar, Timeout: c.cfg.Timeout},
		target: target,
	}

	if err := c.login(ctx, s); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	// Load the booking page for the target date ahead of the window so the
	// commit itself is a single request.
	q := url.Values{"date": {target.Format("2006-01-02")}}
	resp, err := c.do(ctx, s, http.MethodGet, "/api/booking/page?"+q.Encode(), "", nil)
	if err != nil {
		return nil, fmt.Errorf("stage booking page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stage booking page: status %d", resp.StatusCode)
	}

	s.staged = true
	c.logger.Debug("portal session staged", "target", target.Format("2006-01-02"))
	return s, nil
}

func (c *Client) login(ctx context.Context, s *session) error {
	form := url.Values{
		"email":    {c.cfg.Username},
		"password": {c.cfg.Password},
	}
	resp, err := c.do(ctx, s, http.MethodPost, "/page/login", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	// The portal bounces failed logins back to the login page with a 200.
	if strings.Contains(resp.Request.URL.Path, "login") {
		return fmt.Errorf("credentials rejected")
	}
	return nil
}

type availabilitySlot struct {
	Start    string `json:"start"` // "HH:MM"
	Court    string `json:"court"`
	Booked   int    `json:"booked"`
	Capacity int    `json:"capacity"`
	SlotID   string `json:"slot_id"`
}

type availabilityResponse struct {
	Slots []availabilitySlot `json:"slots"`
}

func (c *Client) Commit(ctx context.Context, sess booking.Session, choice string) (booking.CommitResult, error) {
	s, ok := sess.(*session)
	if !ok || s == nil {
		return booking.CommitResult{}, fmt.Errorf("not a portal session")
	}

	hm, err := booking.ParseSlotTime(choice)
	if err != nil {
		return booking.CommitResult{}, err
	}

	q := url.Values{"date": {s.target.Format("2006-01-02")}}
	resp, err := c.do(ctx, s, http.MethodGet, "/api/booking/availability?"+q.Encode(), "", nil)
	if err != nil {
		return booking.CommitResult{}, fmt.Errorf("fetch availability: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return booking.CommitResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return booking.CommitResult{}, fmt.Errorf("availability status %d", resp.StatusCode)
	}
	evidence := c.snapshot("availability", body)

	var avail availabilityResponse
	if err := json.Unmarshal(body, &avail); err != nil {
		return booking.CommitResult{}, fmt.Errorf("decode availability: %w", err)
	}

	slot, found := findSlot(avail.Slots, hm)
	if !found {
		// The slot being taken is an outcome, not an error; the engine falls
		// back to the second preference rather than retrying.
		return booking.CommitResult{Status: booking.CommitUnavailable, EvidenceRef: evidence}, nil
	}

	if c.cfg.DryRun {
		c.logger.Info("dry run: would book slot", "start", slot.Start, "court", slot.Court)
		return booking.CommitResult{Status: booking.CommitBooked, Label: slot.Court, EvidenceRef: evidence}, nil
	}

	form := url.Values{"slot_id": {slot.SlotID}}
	bresp, err := c.do(ctx, s, http.MethodPost, "/api/booking/book", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
	if err != nil {
		return booking.CommitResult{}, fmt.Errorf("book slot: %w", err)
	}
	bbody, _ := io.ReadAll(bresp.Body)
	bresp.Body.Close()
	if ref := c.snapshot("book", bbody); ref != "" {
		evidence = ref
	}

	switch {
	case bresp.StatusCode == http.StatusConflict:
		// Lost the race for the last place in the slot.
		return booking.CommitResult{Status: booking.CommitUnavailable, EvidenceRef: evidence}, nil
	case bresp.StatusCode >= 400:
		return booking.CommitResult{}, fmt.Errorf("book status %d", bresp.StatusCode)
	}
	return booking.CommitResult{Status: booking.CommitBooked, Label: slot.Court, EvidenceRef: evidence}, nil
}

func (c *Client) Verify(ctx context.Context, sess booking.Session) (booking.VerifyResult, error) {
	s, ok := sess.(*session)
	if !ok || s == nil {
		return booking.VerifyResult{}, fmt.Errorf("not a portal session")
	}
	if c.cfg.DryRun {
		return booking.VerifyResult{Confirmed: true}, nil
	}

	resp, err := c.do(ctx, s, http.MethodGet, "/api/booking/reservations", "", nil)
	if err != nil {
		return booking.VerifyResult{}, fmt.Errorf("fetch reservations: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return booking.VerifyResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return booking.VerifyResult{}, fmt.Errorf("reservations status %d", resp.StatusCode)
	}
	evidence := c.snapshot("reservations", body)

	var reservations struct {
		Items []struct {
			Date string `json:"date"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &reservations); err != nil {
		return booking.VerifyResult{}, fmt.Errorf("decode reservations: %w", err)
	}
	want := s.target.Format("2006-01-02")
	for _, item := range reservations.Items {
		if item.Date == want {
			return booking.VerifyResult{Confirmed: true, EvidenceRef: evidence}, nil
		}
	}
	return booking.VerifyResult{Confirmed: false, EvidenceRef: evidence}, nil
}

func (c *Client) Release(sess booking.Session) {
	s, ok := sess.(*session)
	if !ok || s == nil {
		return
	}
	s.hc.CloseIdleConnections()
	s.staged = false
}

func (c *Client) do(ctx context.Context, s *session, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept-Language", "en-GB,en;q=0.9")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.breaker.Execute(func() (*http.Response, error) {
		return s.hc.Do(req)
	})
}

func (c *Client) snapshot(kind string, body []byte) string {
	if c.cfg.EvidenceDir == "" {
		return ""
	}
	name := fmt.Sprintf("%s_%s.json", kind, time.Now().UTC().Format("20060102_150405.000"))
	path := filepath.Join(c.cfg.EvidenceDir, name)
	if err := os.MkdirAll(c.cfg.EvidenceDir, 0o755); err != nil {
		c.logger.Warn("evidence dir", "err", err)
		return ""
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		c.logger.Warn("evidence write", "err", err)
		return ""
	}
	return path
}

func findSlot(slots []availabilitySlot, hm string) (availabilitySlot, bool) {
	for _, s := range slots {
		if s.Start == hm && s.Booked < s.Capacity {
			return s, true
		}
	}
	return availabilitySlot{}, false
}
