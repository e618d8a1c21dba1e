package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/livegen/internal/clock"
	"github.com/jmylchreest/livegen/internal/config"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func TestClient_Get(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, DefaultUserAgent, r.Header.Get(HeaderUserAgent))
			assert.Equal(t, DefaultAcceptEncoding, r.Header.Get(HeaderAcceptEncoding))
			_, _ = w.Write([]byte("#EXTM3U\n"))
		}))
		defer server.Close()

		client := New(fastConfig())
		resp, err := client.Get(context.Background(), server.URL+"/hls/abc/playlist.m3u8")
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "#EXTM3U\n", string(body))
	})

	t.Run("invalid url", func(t *testing.T) {
		client := New(fastConfig())
		_, err := client.Get(context.Background(), "://bad")
		assert.Error(t, err)
	})
}

func TestClient_Retries(t *testing.T) {
	t.Run("retries retryable status then succeeds", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("segment"))
		}))
		defer server.Close()

		client := New(fastConfig())
		resp, err := client.Get(context.Background(), server.URL+"/seg1.ts")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("manifest budget is smaller than fragment budget", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.CircuitThreshold = 0
		client := New(cfg)

		_, err := client.Get(context.Background(), server.URL+"/index.m3u8")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMaxRetries)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusBadGateway, statusErr.Code)
		assert.Equal(t, int32(DefaultManifestRetries+1), calls.Load())

		calls.Store(0)
		_, err = client.Get(context.Background(), server.URL+"/seg1.ts")
		require.Error(t, err)
		assert.Equal(t, int32(DefaultFragmentRetries+1), calls.Load())
	})

	t.Run("non retryable status is returned", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := New(fastConfig())
		resp, err := client.Get(context.Background(), server.URL+"/seg.ts")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.RetryDelay = time.Hour
		client := New(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := client.Get(ctx, server.URL+"/seg.ts")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestClient_AttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := fastConfig()
	cfg.Manifest = Policy{Timeout: 20 * time.Millisecond, Retries: 1}
	client := New(cfg)

	_, err := client.Get(context.Background(), server.URL+"/live.m3u8")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptTimeout)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_WithClassOverridesURL(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.CircuitThreshold = 0
	cfg.Request.Retries = 0
	client := New(cfg)

	ctx := WithClass(context.Background(), ClassRequest)
	_, err := client.Get(ctx, server.URL+"/seg.ts")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		url  string
		want Class
	}{
		{"https://cdn/hls/abc/playlist.m3u8", ClassManifest},
		{"https://cdn/hls/abc/", ClassManifest},
		{"https://cdn/abc/seg00001.ts?token=x", ClassFragment},
		{"https://cdn/abc/init.m4s", ClassFragment},
		{"https://cdn/video.mp4", ClassRequest},
		{"https://cdn/api/thing", ClassRequest},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, tt.url, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, classify(req))
		})
	}
}

func TestClient_Decompression(t *testing.T) {
	payload := "#EXTM3U\n#EXT-X-VERSION:3\n"

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte(payload))
	require.NoError(t, gw.Close())

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, _ = bw.Write([]byte(payload))
	require.NoError(t, bw.Close())

	tests := []struct {
		encoding string
		body     []byte
	}{
		{EncodingGzip, gz.Bytes()},
		{EncodingBrotli, br.Bytes()},
		{"", []byte(payload)},
	}

	for _, tt := range tests {
		t.Run("encoding "+tt.encoding, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.encoding != "" {
					w.Header().Set(HeaderContentEncoding, tt.encoding)
				}
				_, _ = w.Write(tt.body)
			}))
			defer server.Close()

			client := New(fastConfig())
			resp, err := client.Get(context.Background(), server.URL+"/p.m3u8")
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, payload, string(body))
			assert.Empty(t, resp.Header.Get(HeaderContentEncoding))
		})
	}
}

func TestCircuitBreaker(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))

	t.Run("opens at threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(3, 10*time.Second, 1, clk)
		for i := 0; i < 2; i++ {
			cb.RecordFailure()
			assert.Equal(t, CircuitClosed, cb.State())
		}
		cb.RecordFailure()
		assert.Equal(t, CircuitOpen, cb.State())
		assert.False(t, cb.Allow())
	})

	t.Run("half open after timeout", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 10*time.Second, 1, clk)
		cb.RecordFailure()
		require.Equal(t, CircuitOpen, cb.State())

		clk.Advance(10 * time.Second)
		assert.True(t, cb.Allow())
		assert.Equal(t, CircuitHalfOpen, cb.State())
		assert.False(t, cb.Allow(), "only one trial request in half-open")

		cb.RecordSuccess()
		assert.Equal(t, CircuitClosed, cb.State())
		assert.Equal(t, 0, cb.Failures())
	})

	t.Run("trial failure reopens", func(t *testing.T) {
		cb := NewCircuitBreaker(1, time.Second, 1, clk)
		cb.RecordFailure()
		clk.Advance(time.Second)
		require.True(t, cb.Allow())
		cb.RecordFailure()
		assert.Equal(t, CircuitOpen, cb.State())
		assert.False(t, cb.Allow())
	})

	t.Run("zero threshold never opens", func(t *testing.T) {
		cb := NewCircuitBreaker(0, time.Second, 1, clk)
		for i := 0; i < 10; i++ {
			cb.RecordFailure()
		}
		assert.Equal(t, CircuitClosed, cb.State())
	})

	t.Run("reset", func(t *testing.T) {
		cb := NewCircuitBreaker(1, time.Hour, 1, clk)
		cb.RecordFailure()
		cb.Reset()
		assert.Equal(t, CircuitClosed, cb.State())
		assert.True(t, cb.Allow())
	})
}

func TestClient_CircuitOpenShortCircuits(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.CircuitThreshold = 2
	cfg.CircuitTimeout = time.Hour
	cfg.Fragment.Retries = 4
	client := New(cfg)

	_, err := client.Get(context.Background(), server.URL+"/seg.ts")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, CircuitOpen, client.CircuitState())

	client.ResetCircuit()
	assert.Equal(t, CircuitClosed, client.CircuitState())
}

func TestStandardClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	hc := New(fastConfig()).StandardClient()
	resp, err := hc.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.HTTPConfig{UserAgent: "ua/1", RetryDelay: 2 * time.Second, CircuitThreshold: 9})
	assert.Equal(t, "ua/1", cfg.UserAgent)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	assert.Equal(t, 9, cfg.CircuitThreshold)
	assert.Equal(t, DefaultConfig().Manifest, cfg.Manifest)
	assert.Equal(t, DefaultConfig().Fragment, cfg.Fragment)
}

func TestIsRetryableStatus(t *testing.T) {
	assert.True(t, isRetryableStatus(http.StatusServiceUnavailable))
	assert.True(t, isRetryableStatus(http.StatusTooManyRequests))
	assert.False(t, isRetryableStatus(http.StatusOK))
	assert.False(t, isRetryableStatus(http.StatusNotFound))
	assert.False(t, errors.Is(nil, ErrMaxRetries))
}
