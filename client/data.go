package client

import (
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

var (
	// pasvRegex matches the PASV reply format: 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

	// epsvRegex matches the EPSV reply format: 229 Entering Extended Passive Mode (|||port|)
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

// parsePASV parses a PASV reply and returns "host:port".
// Example: "227 Entering Passive Mode (192,168,1,1,195,149)" -> "192.168.1.1:50069"
func parsePASV(response string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(response)
	if len(matches) != 7 {
		return "", fmt.Errorf("invalid PASV response: %s", response)
	}

	var parts [6]int
	for i := range parts {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", fmt.Errorf("invalid PASV field: %s", matches[i+1])
		}
		parts[i] = val
	}

	host := fmt.Sprintf("%d.%d.%d.%d", parts[0], parts[1], parts[2], parts[3])
	port := parts[4]*256 + parts[5]
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// parseEPSV parses an EPSV reply and returns the port.
// Example: "229 Entering Extended Passive Mode (|||6446|)" -> "6446"
func parseEPSV(response string) (string, error) {
	matches := epsvRegex.FindStringSubmatch(response)
	if len(matches) != 2 {
		return "", fmt.Errorf("invalid EPSV response: %s", response)
	}

	port, err := strconv.Atoi(matches[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid EPSV port: %s", matches[1])
	}
	return matches[1], nil
}

// resolveDataAddr replaces an unroutable 0.0.0.0 PASV address with the
// control connection host.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}

// openPassiveDataConn opens a data connection using EPSV, falling back to
// PASV. The connection is wrapped in TLS when the control channel is.
func (c *Client) openPassiveDataConn() (net.Conn, error) {
	var addr string

	if !c.disableEPSV {
		if resp, err := c.sendCommand("EPSV"); err != nil {
			return nil, fmt.Errorf("EPSV failed: %w", err)
		} else if resp.Is2xx() {
			if port, perr := parseEPSV(resp.String()); perr == nil {
				addr = net.JoinHostPort(c.host, port)
			}
		} else {
			c.disableEPSV = true
		}
	}

	if addr == "" {
		resp, err := c.expect2xx("PASV")
		if err != nil {
			return nil, err
		}
		pasvAddr, err := parsePASV(resp.String())
		if err != nil {
			return nil, err
		}
		addr = resolveDataAddr(pasvAddr, c.host)
	}

	dataConn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to data port: %w", err)
	}

	if c.tlsConfig != nil {
		tlsConn := tls.Client(dataConn, c.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			dataConn.Close()
			return nil, fmt.Errorf("data connection TLS handshake failed: %w", err)
		}
		dataConn = tlsConn
	}

	if c.timeout > 0 {
		return &deadlineConn{Conn: dataConn, timeout: c.timeout}, nil
	}
	return dataConn, nil
}

// openTransfer opens a data connection and sends a transfer command. The
// server must answer with a positive preliminary (1xx) or completion (2xx)
// reply; anything else closes the data connection and returns a
// *ProtocolError. On a 1xx reply the transfer is recorded as pending until
// CompletePendingCommand reads its final reply.
func (c *Client) openTransfer(command string, args ...string) (net.Conn, error) {
	c.mu.Lock()
	busy := c.pending != nil
	c.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("ftp: %s while a transfer is pending", command)
	}

	dataConn, err := c.openPassiveDataConn()
	if err != nil {
		return nil, err
	}

	resp, err := c.sendCommand(command, args...)
	if err != nil {
		dataConn.Close()
		return nil, err
	}

	if !resp.IsPreliminary() && !resp.Is2xx() {
		dataConn.Close()
		return nil, &ProtocolError{
			Command:  commandLine(command, args),
			Response: resp.Message,
			Code:     resp.Code,
		}
	}

	if resp.IsPreliminary() {
		c.mu.Lock()
		c.pending = dataConn
		c.pendingVerb = command
		c.mu.Unlock()
	}
	return dataConn, nil
}

// CompletePendingCommand waits for the server to acknowledge the end of the
// current transfer (typically "226 Transfer complete"). The last byte being
// sent does not imply completion: callers must close the stream and then
// call this before issuing another command.
func (c *Client) CompletePendingCommand() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return ErrNoPendingCommand
	}

	// Closing an already closed data connection is harmless and guarantees
	// the server sees EOF on uploads.
	_ = c.pending.Close()
	verb := c.pendingVerb
	c.pending = nil
	c.pendingVerb = ""

	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	resp, err := c.readReplyLocked()
	if err != nil {
		return fmt.Errorf("failed to read completion response: %w", err)
	}
	if !resp.Is2xx() {
		return &ProtocolError{Command: verb, Response: resp.Message, Code: resp.Code}
	}
	return nil
}
