package client

import (
	"strconv"
	"strings"
	"time"
)

// ListingParser parses one line of a LIST reply.
type ListingParser interface {
	Parse(line string) (*Entry, bool)
}

// UnixParser parses "ls -l" style lines, with or without the group column
// and with symbolic or numeric permissions.
type UnixParser struct {
	// Now anchors year-less timestamps; zero means time.Now().
	Now time.Time
}

func (p *UnixParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, false
	}

	perms := fields[0]
	var typ string
	switch {
	case perms[0] == 'd':
		typ = "dir"
	case perms[0] == 'l':
		typ = "link"
	case strings.ContainsRune("-bcps", rune(perms[0])):
		typ = "file"
	case isNumericPerms(perms):
		typ = "file"
	default:
		return nil, false
	}

	// 9-field: perms links owner group size month day time/year name
	// 8-field: perms links owner size month day time/year name
	sizeIdx := -1
	if len(fields) >= 9 && isSize(fields[4]) {
		sizeIdx = 4
	} else if isSize(fields[3]) {
		sizeIdx = 3
	}
	if sizeIdx < 0 {
		return nil, false
	}
	size, _ := strconv.ParseInt(fields[sizeIdx], 10, 64)

	nameIdx := sizeIdx + 4
	if nameIdx >= len(fields) {
		return nil, false
	}

	entry := &Entry{Type: typ, Size: size, Raw: line}
	entry.ModTime = parseUnixTime(fields[sizeIdx+1], fields[sizeIdx+2], fields[sizeIdx+3], p.Now)

	// Keep embedded runs of spaces in names by cutting the original line.
	name := nameFrom(line, fields, nameIdx)
	if typ == "link" {
		if before, after, ok := strings.Cut(name, " -> "); ok {
			name, entry.Target = before, after
		}
	}
	entry.Name = name
	return entry, true
}

// DOSParser parses IIS/DOS style lines:
// "12-14-23  12:22PM           1037794 large-document.pdf"
type DOSParser struct{}

func (p *DOSParser) Parse(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || !isDOSDate(fields[0]) {
		return nil, false
	}

	entry := &Entry{Raw: line, Name: nameFrom(line, fields, 3)}
	if t, err := time.Parse("01-02-06 03:04PM", fields[0]+" "+fields[1]); err == nil {
		entry.ModTime = t.UTC()
	}

	if fields[2] == "<DIR>" {
		entry.Type = "dir"
		return entry, true
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, false
	}
	entry.Type = "file"
	entry.Size = size
	return entry, true
}

// EPLFParser parses EPLF lines: "+i8388621.48594,m825718503,r,s280,\tdjb.html"
type EPLFParser struct{}

func (p *EPLFParser) Parse(line string) (*Entry, bool) {
	if !strings.HasPrefix(line, "+") {
		return nil, false
	}
	idx := strings.IndexAny(line, "\t ")
	if idx == -1 {
		return nil, false
	}
	facts, name := line[1:idx], strings.TrimSpace(line[idx+1:])
	if name == "" {
		return nil, false
	}

	entry := &Entry{Name: name, Type: "file", Raw: line}
	for fact := range strings.SplitSeq(facts, ",") {
		if fact == "" {
			continue
		}
		switch fact[0] {
		case '/':
			entry.Type = "dir"
		case 's':
			if size, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				entry.Size = size
			}
		case 'm':
			if secs, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				entry.ModTime = time.Unix(secs, 0).UTC()
			}
		}
	}
	return entry, true
}

// parseListLine runs parsers in order; a line nobody understands becomes an
// "unknown" entry named after the whole line.
func parseListLine(line string, parsers []ListingParser) *Entry {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "total ") {
		return nil
	}
	for _, parser := range parsers {
		if entry, ok := parser.Parse(trimmed); ok {
			return entry
		}
	}
	return &Entry{Raw: line, Name: trimmed, Type: "unknown"}
}

func isNumericPerms(s string) bool {
	if len(s) < 3 || len(s) > 4 {
		return false
	}
	for _, ch := range s {
		if ch < '0' || ch > '7' {
			return false
		}
	}
	return true
}

func isSize(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// isDOSDate matches MM-DD-YY, MM-DD-YYYY and the slash variants.
func isDOSDate(s string) bool {
	sep := "-"
	if strings.Contains(s, "/") {
		sep = "/"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return false
	}
	for i, part := range parts {
		if i < 2 && (len(part) < 1 || len(part) > 2) {
			return false
		}
		if i == 2 && len(part) != 2 && len(part) != 4 {
			return false
		}
		if !isSize(part) {
			return false
		}
	}
	return true
}

// nameFrom returns the remainder of line starting at fields[idx].
func nameFrom(line string, fields []string, idx int) string {
	rest := line
	for i := range idx {
		pos := strings.Index(rest, fields[i])
		rest = rest[pos+len(fields[i]):]
	}
	return strings.TrimLeft(rest, " \t")
}

// parseUnixTime handles "Dec 14 12:22" (current or previous year) and
// "Sep 24 2024".
func parseUnixTime(month, day, clockOrYear string, now time.Time) time.Time {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if strings.Contains(clockOrYear, ":") {
		t, err := time.Parse("Jan 2 15:04 2006", month+" "+day+" "+clockOrYear+" "+strconv.Itoa(now.Year()))
		if err != nil {
			return time.Time{}
		}
		// Listings show a clock only for the last six months.
		if t.After(now.Add(24 * time.Hour)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t.UTC()
	}
	t, err := time.Parse("Jan 2 2006", month+" "+day+" "+clockOrYear)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
