// Package proxy acquires rotating upstream proxy credentials from the
// acquisition API and hands them to scraping sessions.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/adwatch/harvester/config"
	"github.com/adwatch/harvester/metrics"
)

// Credentials is one acquired proxy endpoint.
type Credentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ServerURL is the host:port form the browser launcher takes.
func (c Credentials) ServerURL() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Manager serializes proxy acquisition across all workers. The acquisition
// API rate-limits aggressively, so one process-wide client, one in-flight
// request at a time, and a circuit breaker in front of it.
type Manager struct {
	cfg     config.ProxyConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger

	mu       sync.Mutex
	current  *Credentials
	acquired time.Time
}

// NewManager builds a Manager. One per process.
func NewManager(cfg config.ProxyConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "proxy-acquire",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("proxy breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Manager{
		cfg:     cfg,
		client:  &http.Client{Timeout: 15 * time.Second},
		breaker: breaker,
		log:     log,
	}
}

// Acquire returns proxy credentials, reusing the current set when one is
// held. Attempts are bounded by MaxAttempts with linear backoff; a fleet
// that cannot get a proxy must fail loudly, not spin forever.
func (m *Manager) Acquire(ctx context.Context) (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return m.current, nil
	}
	return m.acquireLocked(ctx)
}

// Rotate discards the current credentials and acquires fresh ones.
func (m *Manager) Rotate(ctx context.Context) (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	return m.acquireLocked(ctx)
}

// Age reports how long the current credentials have been held, and whether
// any are held at all.
func (m *Manager) Age() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0, false
	}
	return time.Since(m.acquired), true
}

func (m *Manager) acquireLocked(ctx context.Context) (*Credentials, error) {
	if m.cfg.APIURL == "" {
		return nil, fmt.Errorf("proxy: no acquisition API configured")
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		creds, err := m.fetchOnce(ctx)
		if err == nil {
			m.current = creds
			m.acquired = time.Now()
			metrics.ProxyAcquisitions.WithLabelValues("success").Inc()
			m.log.Info("proxy acquired", "server", creds.ServerURL(), "attempt", attempt)
			return creds, nil
		}
		lastErr = err
		m.log.Warn("proxy acquisition failed", "attempt", attempt, "max", m.cfg.MaxAttempts, "error", err)

		if attempt == m.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.Backoff * time.Duration(attempt)):
		}
	}
	metrics.ProxyAcquisitions.WithLabelValues("failure").Inc()
	return nil, fmt.Errorf("proxy: acquisition failed after %d attempts: %w", m.cfg.MaxAttempts, lastErr)
}

func (m *Manager) fetchOnce(ctx context.Context) (*Credentials, error) {
	result, err := m.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.APIURL+"/acquire", nil)
		if err != nil {
			return nil, err
		}
		if m.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+m.cfg.Token)
		}

		resp, err := m.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("proxy API status %d: %s", resp.StatusCode, string(body))
		}

		var creds Credentials
		if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
			return nil, fmt.Errorf("proxy API decode: %w", err)
		}
		if creds.Host == "" || creds.Port == 0 {
			return nil, fmt.Errorf("proxy API returned incomplete credentials")
		}
		return &creds, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Credentials), nil
}
