package azrelay

import (
	"context"
	"time"
)

const (
	defaultHandshakeEndpoint = "handshake"
	defaultTokenEndpoint     = "token"

	defaultReqPrefix = "req"
	defaultResPrefix = "res"

	defaultSASExpiry = 24 * time.Hour

	defaultFastPoll     = 10 * time.Millisecond
	defaultDataPoll     = 500 * time.Millisecond
	defaultAcceptPoll   = 1 * time.Second
	defaultPingInterval = 30 * time.Second

	defaultConnectTimeout = 30 * time.Second
	defaultIdleTimeout    = 5 * time.Minute
)

// RelayOption is a functional option for azrelay.Dial/Listen.
type RelayOption func(*Config)

// Config holds runtime settings for one relay channel or listener.
type Config struct {
	ctx     context.Context
	cancel  context.CancelFunc
	metrics RelayMetrics

	handshakeEndpoint, tokenEndpoint string
	reqPrefix, resPrefix             string

	sasExpiry time.Duration

	fastPoll, dataPoll       time.Duration
	acceptPoll, pingInterval time.Duration
	connectTimeout           time.Duration
	idleTimeout              time.Duration
}

func (c *Config) Validate() error {
	if c.handshakeEndpoint == c.tokenEndpoint {
		return ErrInvalidConfig
	}
	if c.reqPrefix == c.resPrefix {
		return ErrInvalidConfig
	}
	return nil
}

func defaultConfig() *Config {
	ctx, cancel := context.WithCancel(context.Background())
	return &Config{
		ctx:               ctx,
		cancel:            cancel,
		metrics:           NewRelayMetrics(),
		handshakeEndpoint: defaultHandshakeEndpoint,
		tokenEndpoint:     defaultTokenEndpoint,
		reqPrefix:         defaultReqPrefix,
		resPrefix:         defaultResPrefix,
		sasExpiry:         defaultSASExpiry,
		fastPoll:          defaultFastPoll,
		dataPoll:          defaultDataPoll,
		acceptPoll:        defaultAcceptPoll,
		pingInterval:      defaultPingInterval,
		connectTimeout:    defaultConnectTimeout,
		idleTimeout:       defaultIdleTimeout,
	}
}

func applyRelayOptions(opts []RelayOption) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// SASTimes returns the (start, end) validity window for a freshly minted
// SAS token, backdated 5 minutes to absorb clock skew with the service.
func (c *Config) SASTimes() (start, end time.Time) {
	now := time.Now().UTC()
	return now.Add(-5 * time.Minute), now.Add(c.sasExpiry)
}

func WithEndpoints(handshake, token string) RelayOption {
	return func(c *Config) {
		if handshake != "" {
			c.handshakeEndpoint = handshake
		}
		if token != "" {
			c.tokenEndpoint = token
		}
	}
}

func WithPrefixes(reqPrefix, resPrefix string) RelayOption {
	return func(c *Config) {
		if reqPrefix != "" {
			c.reqPrefix = reqPrefix
		}
		if resPrefix != "" {
			c.resPrefix = resPrefix
		}
	}
}

func WithSASExpiry(d time.Duration) RelayOption {
	return func(c *Config) {
		if d > 0 {
			c.sasExpiry = d
		}
	}
}

func WithAcceptPoll(d time.Duration) RelayOption {
	return func(c *Config) {
		if d > 0 {
			c.acceptPoll = d
		}
	}
}

func WithFastPoll(d time.Duration) RelayOption {
	return func(c *Config) {
		if d > 0 {
			c.fastPoll = d
		}
	}
}

func WithDataPoll(d time.Duration) RelayOption {
	return func(c *Config) {
		if d > 0 {
			c.dataPoll = d
		}
	}
}

func WithPing(d time.Duration) RelayOption {
	return func(c *Config) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

func WithConnectTimeout(d time.Duration) RelayOption {
	return func(c *Config) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

func WithIdleTimeout(d time.Duration) RelayOption {
	return func(c *Config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

func WithContext(ctx context.Context) RelayOption {
	return func(c *Config) {
		if ctx != nil {
			c.ctx, c.cancel = context.WithCancel(ctx)
		}
	}
}

func WithRelayMetrics(m RelayMetrics) RelayOption {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}
