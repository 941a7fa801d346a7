package iceconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"twine/pkg/cache"
	"twine/pkg/circuitbreaker"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var ErrNoServers = errors.New("ice config service returned no servers")

// Server is one entry of the ICE configuration response. urls may be a
// string or a list.
type Server struct {
	URLs       URLs   `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

type URLs []string

func (u *URLs) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*u = URLs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls: %w", err)
	}
	*u = many
	return nil
}

type Response struct {
	ICEServers []Server `json:"iceServers"`
}

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
	// Attempts is the number of tries per fetch.
	Attempts int
	Breaker  circuitbreaker.Config
	// CacheTTL keeps fetched servers for reuse. Zero disables caching.
	CacheTTL time.Duration
}

// Client fetches ICE servers from the configuration service. It implements
// ports.ICEConfigProvider. Repeated failures open a circuit breaker so joins
// fall back to the configured servers without waiting.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	cache   *cache.Cache[string, []webrtc.ICEServer]
	logger  *zap.SugaredLogger
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}
	breaker := circuitbreaker.New(cfg.Breaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("ICE config breaker state changed", "from", from.String(), "to", to.String())
	})
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}
	if cfg.CacheTTL > 0 {
		c.cache = cache.New[string, []webrtc.ICEServer](cfg.CacheTTL)
	}
	return c
}

func (c *Client) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	if c.cache == nil {
		return c.load(ctx)
	}
	return c.cache.GetOrLoad(ctx, c.cfg.URL, c.load)
}

func (c *Client) load(ctx context.Context) ([]webrtc.ICEServer, error) {
	return circuitbreaker.Do(ctx, c.breaker, func() ([]webrtc.ICEServer, error) {
		var servers []webrtc.ICEServer
		op := func() error {
			var err error
			servers, err = c.fetch(ctx)
			return err
		}

		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = 200 * time.Millisecond
		ebo.MaxInterval = time.Second
		ebo.Reset()
		b := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(c.cfg.Attempts-1)), ctx)
		if err := backoff.Retry(op, b); err != nil {
			return nil, err
		}
		return servers, nil
	})
}

func (c *Client) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build ice config request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		err := fmt.Errorf("ice config service returned %s", resp.Status)
		if resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode ice config: %w", err))
	}

	servers := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return nil, backoff.Permanent(ErrNoServers)
	}

	c.logger.Debugw("Fetched ICE servers", "count", len(servers))
	return servers, nil
}

// Static serves a fixed list, for setups without a configuration service.
type Static []webrtc.ICEServer

func (s Static) ICEServers(context.Context) ([]webrtc.ICEServer, error) {
	return s, nil
}
