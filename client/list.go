package client

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Entry is one directory entry, from LIST, MLSD or MLST.
type Entry struct {
	Name string

	// Type is "file", "dir", "link", "cdir", "pdir" or "unknown"
	Type string

	Size int64

	// ModTime is zero when the listing carried no usable timestamp
	ModTime time.Time

	// Target is the symlink target for LIST entries of type "link"
	Target string

	// Facts holds the raw MLSx facts (lower-cased names)
	Facts map[string]string

	// Raw is the unparsed listing line
	Raw string
}

// IsDir reports whether the entry is a directory, including the MLSx
// "cdir"/"pdir" pseudo entries.
func (e *Entry) IsDir() bool {
	return e.Type == "dir" || e.Type == "cdir" || e.Type == "pdir"
}

// List issues LIST for path (the working directory when path is empty) and
// parses each line with the configured parsers. Unparseable lines are
// returned with Type "unknown".
func (c *Client) List(path string) ([]*Entry, error) {
	args := []string{}
	if path != "" {
		args = append(args, path)
	}
	lines, err := c.readListing("LIST", args...)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(lines))
	for _, line := range lines {
		if entry := parseListLine(line, c.parsers); entry != nil {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// MLList issues MLSD for path (RFC 3659). A line that cannot be parsed
// makes the whole listing fail with ErrMalformedResponse, because a
// partially understood machine listing cannot be trusted.
func (c *Client) MLList(path string) ([]*Entry, error) {
	args := []string{}
	if path != "" {
		args = append(args, path)
	}
	lines, err := c.readListing("MLSD", args...)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry, err := parseMLEntry(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// readListing runs a listing command over a data connection and returns
// its raw lines once the server confirmed completion.
func (c *Client) readListing(command string, args ...string) ([]string, error) {
	conn, err := c.openTransfer(command, args...)
	if err != nil {
		return nil, err
	}

	lines, readErr := scanLines(conn)
	conn.Close()

	var doneErr error
	if c.transferPending() {
		doneErr = c.CompletePendingCommand()
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read directory listing: %w", readErr)
	}
	if doneErr != nil {
		return nil, doneErr
	}
	return lines, nil
}

func (c *Client) transferPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

func scanLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// MLStat returns the entry for a single path using MLST over the control
// channel. A 2xx reply that carries no parseable entry yields
// ErrMalformedResponse.
func (c *Client) MLStat(path string) (*Entry, error) {
	resp, err := c.expectCode(250, "MLST", path)
	if err != nil {
		return nil, err
	}

	// "250-Listing path\r\n type=file;size=1; name\r\n250 End"
	for _, line := range resp.Lines[1:] {
		if len(line) >= 4 && line[3] == ' ' && strings.HasPrefix(line, "250") {
			break
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		return parseMLEntry(trimmed)
	}
	return nil, malformed("MLST %s: no entry in reply %q", path, resp.String())
}

// parseMLEntry parses one MLST/MLSD line: "fact1=v1;fact2=v2; name".
func parseMLEntry(line string) (*Entry, error) {
	factsStr, name, ok := strings.Cut(line, " ")
	if !ok || name == "" {
		return nil, malformed("MLSx entry without name: %q", line)
	}
	if !strings.Contains(factsStr, "=") {
		return nil, malformed("MLSx entry without facts: %q", line)
	}

	facts := make(map[string]string)
	for pair := range strings.SplitSeq(factsStr, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		facts[strings.ToLower(key)] = value
	}

	// MLST returns the full pathname; listings use the base name.
	if i := strings.LastIndex(name, "/"); i >= 0 && i < len(name)-1 {
		name = name[i+1:]
	}

	entry := &Entry{Name: name, Type: "unknown", Facts: facts, Raw: line}
	if typeVal, ok := facts["type"]; ok {
		entry.Type = strings.ToLower(typeVal)
		if strings.HasPrefix(entry.Type, "os.unix=slink") || strings.HasPrefix(entry.Type, "os.unix=symlink") {
			entry.Type = "link"
		}
	}
	if sizeVal, ok := facts["size"]; ok {
		size, err := strconv.ParseInt(sizeVal, 10, 64)
		if err != nil {
			return nil, malformed("MLSx size %q: %v", sizeVal, err)
		}
		entry.Size = size
	}
	if modify, ok := facts["modify"]; ok {
		// YYYYMMDDHHMMSS[.sss], always UTC (RFC 3659 section 2.3)
		stamp, _, _ := strings.Cut(modify, ".")
		if t, err := time.Parse("20060102150405", stamp); err == nil {
			entry.ModTime = t.UTC()
		}
	}
	return entry, nil
}
