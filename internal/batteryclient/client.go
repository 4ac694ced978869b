// Package batteryclient keeps a local battery snapshot in sync with the
// server. Consumers read the cached snapshot for display, record usage
// through TrackUsage, and let the background loop reconcile drift.
package batteryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/omnichat/batteryd/internal/recorder"
)

// ErrInsufficientBalance mirrors the server-side 402 so callers can
// distinguish a declined charge from a transport failure.
var ErrInsufficientBalance = errors.New("batteryclient: insufficient balance")

const (
	defaultPollInterval = 30 * time.Second
	resyncDelay         = time.Second
)

// Snapshot is the client-side view of one user's battery state.
type Snapshot struct {
	TotalBalance   int64               `json:"total_balance"`
	DailyAllowance int64               `json:"daily_allowance"`
	LastDailyReset string              `json:"last_daily_reset"`
	TodayUsage     int64               `json:"today_usage"`
	History        []recorder.DayUsage `json:"usage_history"`
	LastUpdated    time.Time           `json:"-"`
}

// Client maintains the snapshot against a battery server.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	clock    Clock
	interval time.Duration

	mu       sync.Mutex
	snap     Snapshot
	loaded   bool
	resyncs  []func()
	watchers []chan Snapshot

	pokes chan string
}

// Option adjusts Client construction.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock injects a Clock, used by tests to drive resync timers.
func WithClock(clk Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithPollInterval overrides the background refresh cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

// New builds a Client for baseURL authenticating with the bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		token:    token,
		http:     &http.Client{Timeout: 10 * time.Second},
		clock:    NewRealClock(),
		interval: defaultPollInterval,
		pokes:    make(chan string, 8),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current cached view. ok is false until the first
// successful refresh populates the cache.
func (c *Client) Snapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap, c.loaded
}

// Subscribe returns a channel receiving each snapshot change. The channel
// is buffered; a slow consumer drops intermediate updates rather than
// blocking the client.
func (c *Client) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	c.mu.Lock()
	c.watchers = append(c.watchers, ch)
	c.mu.Unlock()
	return ch
}

// Poke requests an immediate refresh, e.g. on visibility change or
// reconnect. The reason is only used for logging.
func (c *Client) Poke(reason string) {
	select {
	case c.pokes <- reason:
	default:
	}
}

// Refresh fetches authoritative state and replaces the cache wholesale.
// On failure the stale snapshot is kept.
func (c *Client) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/battery", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("batteryclient: refresh status %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return err
	}
	snap.LastUpdated = c.clock.Now()

	c.mu.Lock()
	c.snap = snap
	c.loaded = true
	c.cancelResyncsLocked()
	c.notifyLocked()
	c.mu.Unlock()
	return nil
}

// TrackUsage reports a charge and applies the server-confirmed result to
// the cache immediately, then schedules a full refresh shortly after so
// any concurrent activity gets folded in.
func (c *Client) TrackUsage(ctx context.Context, ev recorder.Event) (recorder.Result, error) {
	body, err := json.Marshal(map[string]any{
		"conversation_id": ev.ConversationID,
		"message_id":      ev.MessageID,
		"model":           ev.Model,
		"input_tokens":    ev.InputTokens,
		"output_tokens":   ev.OutputTokens,
		"cached":          ev.Cached,
	})
	if err != nil {
		return recorder.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/usage/track", bytes.NewReader(body))
	if err != nil {
		return recorder.Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return recorder.Result{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusPaymentRequired:
		io.Copy(io.Discard, resp.Body)
		return recorder.Result{}, ErrInsufficientBalance
	default:
		io.Copy(io.Discard, resp.Body)
		return recorder.Result{}, fmt.Errorf("batteryclient: track status %d", resp.StatusCode)
	}

	var out struct {
		BatteryUsed int64 `json:"battery_used"`
		NewBalance  int64 `json:"new_balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return recorder.Result{}, err
	}
	res := recorder.Result{BatteryUsed: out.BatteryUsed, NewBalance: out.NewBalance}

	c.mu.Lock()
	if c.loaded {
		c.snap.TotalBalance = res.NewBalance
		c.snap.TodayUsage += res.BatteryUsed
		c.snap.LastUpdated = c.clock.Now()
		c.notifyLocked()
	}
	c.scheduleResyncLocked()
	c.mu.Unlock()

	return res, nil
}

// Run polls the server until ctx is cancelled. An immediate refresh runs
// on entry; Poke requests short-circuit the wait.
func (c *Client) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		log.WithError(err).Warn("battery snapshot initial refresh failed")
	}

	timer := time.NewTimer(c.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-c.pokes:
			log.WithField("reason", reason).Debug("battery snapshot poked")
		case <-timer.C:
		}
		if err := c.Refresh(ctx); err != nil {
			log.WithError(err).Warn("battery snapshot refresh failed")
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.interval)
	}
}

// scheduleResyncLocked arms a one-shot refresh roughly a second out. The
// cancel handle is retained so a wholesale refresh can drop stale timers.
func (c *Client) scheduleResyncLocked() {
	cancel := c.clock.AfterFunc(resyncDelay, func() {
		ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := c.Refresh(ctx); err != nil {
			log.WithError(err).Debug("battery snapshot resync failed")
		}
	})
	c.resyncs = append(c.resyncs, cancel)
}

func (c *Client) cancelResyncsLocked() {
	for _, cancel := range c.resyncs {
		cancel()
	}
	c.resyncs = nil
}

func (c *Client) notifyLocked() {
	for _, ch := range c.watchers {
		select {
		case ch <- c.snap:
		default:
			// Drop the stale value and push the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- c.snap:
			default:
			}
		}
	}
}
