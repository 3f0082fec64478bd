package client

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/gonzalop/ftpfs/internal/ratelimit"
)

// Option is a functional option for configuring an FTP client.
type Option func(*Client) error

// WithTimeout sets the timeout for connection and operations.
// This applies to both the initial connection and subsequent read/write operations.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.timeout = timeout
		return nil
	}
}

// WithExplicitTLS enables explicit TLS mode (AUTH TLS).
// The client connects on the standard FTP port (21) and upgrades to TLS
// using the AUTH TLS command.
//
// A ClientSessionCache is added when missing so data connections can reuse
// the control connection's TLS session.
func WithExplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeImplicit {
			return fmt.Errorf("explicit TLS cannot be combined with implicit TLS")
		}
		c.tlsConfig = withSessionCache(config)
		c.tlsMode = tlsModeExplicit
		return nil
	}
}

// WithImplicitTLS enables implicit TLS mode, typically on port 990.
func WithImplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeExplicit {
			return fmt.Errorf("implicit TLS cannot be combined with explicit TLS")
		}
		c.tlsConfig = withSessionCache(config)
		c.tlsMode = tlsModeImplicit
		return nil
	}
}

func withSessionCache(config *tls.Config) *tls.Config {
	if config == nil {
		config = &tls.Config{}
	}
	if config.ClientSessionCache == nil {
		config.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	return config
}

// WithLogger enables debug logging using the provided logger.
// All FTP commands and replies are logged at debug level; passwords are
// masked.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return fmt.Errorf("logger must not be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithDialer sets a custom net.Dialer for establishing connections.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *Client) error {
		c.dialer = dialer
		return nil
	}
}

// WithDisableEPSV disables the use of the EPSV command and forces PASV.
func WithDisableEPSV() Option {
	return func(c *Client) error {
		c.disableEPSV = true
		return nil
	}
}

// WithBandwidthLimit caps every data stream of this client at
// bytesPerSecond. Zero or negative means unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(c *Client) error {
		c.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithCustomListParser adds a directory listing parser that is tried
// before the built-in ones (EPLF, DOS, Unix).
func WithCustomListParser(parser ListingParser) Option {
	return func(c *Client) error {
		c.parsers = append([]ListingParser{parser}, c.parsers...)
		return nil
	}
}

// tlsMode represents the TLS mode for the connection.
type tlsMode int

const (
	tlsModeNone tlsMode = iota
	tlsModeExplicit
	tlsModeImplicit
)
