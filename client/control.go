package client

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Response represents an FTP server reply.
type Response struct {
	// Code is the three-digit reply code (e.g., 220, 550)
	Code int

	// Message is the human-readable text of the reply
	Message string

	// Lines contains all lines of the reply (for multi-line replies)
	Lines []string
}

// IsPreliminary reports a 1xx reply: the action is starting and another
// reply will follow.
func (r *Response) IsPreliminary() bool {
	return r.Code >= 100 && r.Code < 200
}

// Is2xx returns true if the reply code is in the 2xx range (success).
func (r *Response) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true if the reply code is in the 3xx range (intermediate).
func (r *Response) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// String returns the full reply as a string.
func (r *Response) String() string {
	return strings.Join(r.Lines, "\n")
}

// readResponse reads a complete FTP reply.
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"220-Welcome to FTP\r\n"
//	"220-This is line 2\r\n"
//	"220 Ready\r\n"
//
// The reply is complete when a line starts with the code followed by a space.
func readResponse(r *bufio.Reader) (*Response, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}

	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 {
		return nil, fmt.Errorf("invalid response line: %q", line)
	}

	code, err := strconv.Atoi(line[0:3])
	if err != nil {
		return nil, fmt.Errorf("invalid response code: %q", line[0:3])
	}

	lines := []string{line}
	if line[3] == ' ' {
		return &Response{Code: code, Message: line[4:], Lines: lines}, nil
	}
	if line[3] != '-' {
		return nil, fmt.Errorf("invalid response format: %q", line)
	}

	if err := readMultiLine(r, code, &lines); err != nil {
		return nil, err
	}

	prefix := line[0:3]
	var messageLines []string
	for _, l := range lines {
		if len(l) >= 4 && l[0:3] == prefix && (l[3] == '-' || l[3] == ' ') {
			messageLines = append(messageLines, l[4:])
		} else if trimmed := strings.TrimSpace(l); trimmed != "" {
			messageLines = append(messageLines, trimmed)
		}
	}

	return &Response{
		Code:    code,
		Message: strings.Join(messageLines, "\n"),
		Lines:   lines,
	}, nil
}

func readMultiLine(r *bufio.Reader, code int, lines *[]string) error {
	codeStr := fmt.Sprintf("%03d", code)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}

		line = strings.TrimRight(line, "\r\n")

		// RFC 2389 continuation lines start with a space.
		if len(line) > 0 && line[0] == ' ' {
			*lines = append(*lines, line)
			continue
		}

		if len(line) < 4 || line[0:3] != codeStr {
			// Some servers (MLST in particular) emit bare text lines.
			*lines = append(*lines, line)
			continue
		}

		*lines = append(*lines, line)

		if line[3] == ' ' {
			return nil
		}
	}
}

// sendCommand sends an FTP command and returns the reply. The reply is
// also recorded as the client's last reply.
func (c *Client) sendCommand(command string, args ...string) (*Response, error) {
	cmd := command
	if len(args) > 0 {
		cmd = command + " " + strings.Join(args, " ")
	}

	if command == "PASS" {
		c.logger.Debug("ftp command", zap.String("cmd", "PASS ****"))
	} else {
		c.logger.Debug("ftp command", zap.String("cmd", cmd))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	if _, err := fmt.Fprintf(c.conn, "%s\r\n", cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	return c.readReplyLocked()
}

// readReplyLocked reads the next reply from the control channel. c.mu must
// be held.
func (c *Client) readReplyLocked() (*Response, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	resp, err := readResponse(c.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("ftp response", zap.Int("code", resp.Code), zap.String("message", resp.Message))
	c.lastReply = resp
	return resp, nil
}

// expectCode sends a command and verifies the reply code matches.
func (c *Client) expectCode(expectedCode int, command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}

	if resp.Code != expectedCode {
		return resp, &ProtocolError{
			Command:  commandLine(command, args),
			Response: resp.Message,
			Code:     resp.Code,
		}
	}

	return resp, nil
}

// expect2xx sends a command and verifies the reply is in the 2xx range.
func (c *Client) expect2xx(command string, args ...string) (*Response, error) {
	resp, err := c.sendCommand(command, args...)
	if err != nil {
		return nil, err
	}

	if !resp.Is2xx() {
		return resp, &ProtocolError{
			Command:  commandLine(command, args),
			Response: resp.Message,
			Code:     resp.Code,
		}
	}

	return resp, nil
}

func commandLine(command string, args []string) string {
	if command == "PASS" || len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}
