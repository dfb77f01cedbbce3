package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwatch/harvester/config"
)

func testCreds() Credentials {
	return Credentials{Host: "proxy.example.net", Port: 8080, Username: "u", Password: "p"}
}

func TestAcquire_Success(t *testing.T) {
	var gotAuth atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		assert.Equal(t, "/acquire", r.URL.Path)
		_ = json.NewEncoder(w).Encode(testCreds())
	}))
	defer ts.Close()

	m := NewManager(config.ProxyConfig{
		APIURL:      ts.URL,
		Token:       "secret",
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	}, nil)

	creds, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "proxy.example.net:8080", creds.ServerURL())
	assert.Equal(t, "Bearer secret", gotAuth.Load())
}

func TestAcquire_ReusesCurrentCredentials(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(testCreds())
	}))
	defer ts.Close()

	m := NewManager(config.ProxyConfig{APIURL: ts.URL, MaxAttempts: 3, Backoff: time.Millisecond}, nil)

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)
	second, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAcquire_BoundedAttempts(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	m := NewManager(config.ProxyConfig{APIURL: ts.URL, MaxAttempts: 3, Backoff: time.Millisecond}, nil)

	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load(), "must stop at MaxAttempts, never spin")
}

func TestAcquire_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(testCreds())
	}))
	defer ts.Close()

	m := NewManager(config.ProxyConfig{APIURL: ts.URL, MaxAttempts: 3, Backoff: time.Millisecond}, nil)

	creds, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "proxy.example.net", creds.Host)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAcquire_RejectsIncompleteCredentials(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Credentials{Host: "proxy.example.net"})
	}))
	defer ts.Close()

	m := NewManager(config.ProxyConfig{APIURL: ts.URL, MaxAttempts: 1, Backoff: time.Millisecond}, nil)

	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete")
}

func TestRotate_ForcesFreshCredentials(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		c := testCreds()
		c.Port = 8000 + int(n)
		_ = json.NewEncoder(w).Encode(c)
	}))
	defer ts.Close()

	m := NewManager(config.ProxyConfig{APIURL: ts.URL, MaxAttempts: 3, Backoff: time.Millisecond}, nil)

	first, err := m.Acquire(context.Background())
	require.NoError(t, err)
	rotated, err := m.Rotate(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.Port, rotated.Port)

	age, held := m.Age()
	assert.True(t, held)
	assert.Less(t, age, time.Minute)
}

func TestAcquire_NoAPIConfigured(t *testing.T) {
	m := NewManager(config.ProxyConfig{MaxAttempts: 3}, nil)
	_, err := m.Acquire(context.Background())
	assert.Error(t, err)
}
