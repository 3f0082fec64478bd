package client

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gonzalop/ftpfs/internal/ratelimit"
)

// Client is one FTP control connection. It is not safe for concurrent
// logical operations: the control channel is a single cursor and carries at
// most one transfer at a time.
type Client struct {
	// conn is the control channel
	conn   net.Conn
	reader *bufio.Reader

	tlsConfig *tls.Config
	tlsMode   tlsMode

	timeout time.Duration
	logger  *zap.Logger
	dialer  *net.Dialer

	host string
	port string

	// features is the cached FEAT reply
	features map[string]string

	disableEPSV bool
	parsers     []ListingParser
	limiter     *ratelimit.Limiter

	// currentType tracks the transfer type to avoid redundant TYPE commands
	currentType string

	// mu serializes access to the control channel
	mu sync.Mutex

	// lastReply is the most recent reply read from the control channel
	lastReply *Response

	// pending is the data connection of a transfer whose completion reply
	// has not been read yet
	pending     net.Conn
	pendingVerb string
}

// Dial connects to an FTP server at addr ("host:port") and reads the
// greeting. Call Login before issuing other commands.
//
// Example:
//
//	c, err := client.Dial("ftp.example.com:21", client.WithTimeout(10*time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Quit()
func Dial(addr string, options ...Option) (*Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &Client{
		host:    host,
		port:    port,
		timeout: 30 * time.Second,
		tlsMode: tlsModeNone,
		dialer:  &net.Dialer{},
		logger:  zap.NewNop(),
		parsers: []ListingParser{
			&EPLFParser{},
			&DOSParser{},
			&UnixParser{},
		},
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	c.dialer.Timeout = c.timeout

	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials and logs in using a URL.
// Supported schemes: "ftp", "ftps" (implicit), "ftp+explicit" (explicit TLS).
// Format: scheme://[user:password@]host[:port]
func Connect(urlStr string, options ...Option) (*Client, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	host := u.Hostname()
	port := u.Port()
	switch strings.ToLower(u.Scheme) {
	case "ftp":
		if port == "" {
			port = "21"
		}
	case "ftps":
		if port == "" {
			port = "990"
		}
		options = append(options, WithImplicitTLS(&tls.Config{ServerName: host}))
	case "ftp+explicit":
		if port == "" {
			port = "21"
		}
		options = append(options, WithExplicitTLS(&tls.Config{ServerName: host}))
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	c, err := Dial(net.JoinHostPort(host, port), options...)
	if err != nil {
		return nil, err
	}

	user := u.User.Username()
	pass, _ := u.User.Password()
	if user == "" {
		user, pass = "anonymous", "anonymous@"
	}
	if err := c.Login(user, pass); err != nil {
		_ = c.Quit()
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return c, nil
}

// connect establishes the control connection and reads the greeting.
func (c *Client) connect() error {
	addr := net.JoinHostPort(c.host, c.port)
	c.logger.Debug("connecting to ftp server", zap.String("addr", addr), zap.Int("tls_mode", int(c.tlsMode)))

	conn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if c.tlsMode == tlsModeImplicit {
		tlsConn, err := c.handshake(conn)
		if err != nil {
			conn.Close()
			return err
		}
		conn = tlsConn
	}

	c.conn = conn
	c.reader = bufio.NewReader(c.conn)

	c.mu.Lock()
	resp, err := c.readReplyLocked()
	c.mu.Unlock()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	if resp.Code != 220 {
		c.conn.Close()
		return &ProtocolError{Command: "CONNECT", Response: resp.Message, Code: resp.Code}
	}

	if c.tlsMode == tlsModeExplicit {
		if err := c.upgradeToTLS(); err != nil {
			c.conn.Close()
			return err
		}
	}
	return nil
}

func (c *Client) handshake(conn net.Conn) (*tls.Conn, error) {
	tlsConn := tls.Client(conn, c.tlsConfig)
	if c.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set deadline: %w", err)
		}
	}
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	c.logger.Debug("TLS handshake complete")
	return tlsConn, nil
}

// upgradeToTLS upgrades the connection to TLS using AUTH TLS.
func (c *Client) upgradeToTLS() error {
	if _, err := c.expectCode(234, "AUTH", "TLS"); err != nil {
		return fmt.Errorf("AUTH TLS failed: %w", err)
	}

	tlsConn, err := c.handshake(c.conn)
	if err != nil {
		return err
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(c.conn)

	if _, err := c.expectCode(200, "PBSZ", "0"); err != nil {
		return fmt.Errorf("PBSZ failed: %w", err)
	}
	if _, err := c.expectCode(200, "PROT", "P"); err != nil {
		return fmt.Errorf("PROT failed: %w", err)
	}
	return nil
}

// Login authenticates with the FTP server.
func (c *Client) Login(username, password string) error {
	resp, err := c.sendCommand("USER", username)
	if err != nil {
		return err
	}

	// 230: no password required
	if resp.Code == 230 {
		return nil
	}
	if resp.Code != 331 {
		return &ProtocolError{Command: "USER", Response: resp.Message, Code: resp.Code}
	}

	_, err = c.expectCode(230, "PASS", password)
	return err
}

// Quit sends QUIT and closes the control connection. A transfer in progress
// is aborted by closing its data connection.
func (c *Client) Quit() error {
	if c.conn == nil {
		return nil
	}

	c.mu.Lock()
	if c.pending != nil {
		c.pending.Close()
		c.pending = nil
	}
	c.mu.Unlock()

	_, _ = c.sendCommand("QUIT")
	return c.conn.Close()
}

// Type sets the transfer type (e.g., "A", "I").
func (c *Client) Type(transferType string) error {
	if c.currentType == transferType {
		return nil
	}
	if _, err := c.expectCode(200, "TYPE", transferType); err != nil {
		return err
	}
	c.currentType = transferType
	return nil
}

// Features queries the server with FEAT and caches the result for the life
// of the connection.
func (c *Client) Features() (map[string]string, error) {
	if c.features != nil {
		return c.features, nil
	}

	resp, err := c.sendCommand("FEAT")
	if err != nil {
		return nil, err
	}
	if resp.Code != 211 {
		// Servers without FEAT support simply have no extensions.
		c.features = map[string]string{}
		return c.features, nil
	}

	c.features = parseFeatureLines(resp.Lines)
	return c.features, nil
}

// parseFeatureLines parses the lines of a FEAT reply.
// Supports both formats:
// - RFC 2389: "211-Features:\r\n FEAT1\r\n FEAT2 params\r\n211 End"
// - Traditional: "211-Features\r\n211-FEAT1\r\n211-FEAT2 params\r\n211 End"
func parseFeatureLines(lines []string) map[string]string {
	features := make(map[string]string)
	for i, line := range lines {
		var featureLine string
		switch {
		case len(line) > 0 && line[0] == ' ':
			featureLine = strings.TrimSpace(line)
		case i > 0 && i < len(lines)-1 && len(line) >= 4 && line[3] == '-':
			featureLine = strings.TrimSpace(line[4:])
		default:
			continue
		}
		if featureLine == "" {
			continue
		}

		name, params, _ := strings.Cut(featureLine, " ")
		features[strings.ToUpper(name)] = params
	}
	return features
}

// HasFeature reports whether the server advertised feature in FEAT.
func (c *Client) HasFeature(feature string) bool {
	feats, err := c.Features()
	if err != nil {
		return false
	}
	_, ok := feats[strings.ToUpper(feature)]
	return ok
}

// Noop sends a NOOP command to the server.
func (c *Client) Noop() error {
	_, err := c.expect2xx("NOOP")
	return err
}

// ReplyCode returns the code of the last reply read from the server, or 0
// before the greeting.
func (c *Client) ReplyCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastReply == nil {
		return 0
	}
	return c.lastReply.Code
}

// ReplyString returns the full text of the last reply.
func (c *Client) ReplyString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastReply == nil {
		return ""
	}
	return c.lastReply.String()
}
