package client

import (
	"strings"
)

// ChangeDir changes the current directory.
func (c *Client) ChangeDir(path string) error {
	_, err := c.expect2xx("CWD", path)
	return err
}

// CurrentDir returns the current directory as reported by PWD.
func (c *Client) CurrentDir() (string, error) {
	resp, err := c.expect2xx("PWD")
	if err != nil {
		return "", err
	}
	dir, ok := parsePWD(resp.Message)
	if !ok {
		return "", malformed("PWD reply %q", resp.Message)
	}
	return dir, nil
}

// parsePWD extracts the quoted directory of a 257 reply:
// `257 "/home/user" is the current directory`. Embedded quotes are doubled.
func parsePWD(msg string) (string, bool) {
	start := strings.IndexByte(msg, '"')
	if start == -1 {
		return "", false
	}
	var b strings.Builder
	for i := start + 1; i < len(msg); i++ {
		if msg[i] != '"' {
			b.WriteByte(msg[i])
			continue
		}
		if i+1 < len(msg) && msg[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		return b.String(), true
	}
	return "", false
}

// MakeDir creates a directory.
func (c *Client) MakeDir(path string) error {
	_, err := c.expect2xx("MKD", path)
	return err
}

// RemoveDir removes an empty directory.
func (c *Client) RemoveDir(path string) error {
	_, err := c.expect2xx("RMD", path)
	return err
}

// Delete removes a file.
func (c *Client) Delete(path string) error {
	_, err := c.expect2xx("DELE", path)
	return err
}

// Rename renames a file or directory with RNFR/RNTO.
func (c *Client) Rename(from, to string) error {
	if _, err := c.expectCode(350, "RNFR", from); err != nil {
		return err
	}
	_, err := c.expect2xx("RNTO", to)
	return err
}
