package ftpfs

import (
	"path"
	"strings"
)

// Resolve joins p onto base and returns a clean absolute path using forward
// slashes. Backslashes are converted, a leading drive letter ("C:") is
// dropped and "." and ".." segments are collapsed. Absolute inputs ignore
// base. Resolve is idempotent for absolute inputs.
func Resolve(base, p string) string {
	p = normalize(p)
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Clean(path.Join(Resolve("/", base), p))
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = stripDrive(p)
	if strings.HasPrefix(p, "/") {
		// "/C:/dir" is how some clients spell Windows paths in URIs
		if rest := stripDrive(p[1:]); len(rest) != len(p)-1 {
			p = rest
		}
	}
	return p
}

func stripDrive(p string) string {
	if len(p) >= 2 && p[1] == ':' && isLetter(p[0]) {
		p = p[2:]
		if p == "" {
			return "/"
		}
		if p[0] != '/' {
			p = "/" + p
		}
	}
	return p
}

func isLetter(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// transferPath returns the path handed to RETR/STOR/APPE. A single segment
// directly under the root ("/file") is sent as the bare name; the caller
// must be in "/" at the time.
func transferPath(p string) string {
	if len(p) > 1 && p[0] == '/' && strings.Count(p, "/") == 1 {
		return p[1:]
	}
	return p
}

// hasExtension reports whether name ends in something that looks like a
// file extension.
func hasExtension(name string) bool {
	ext := path.Ext(name)
	return ext != "" && ext != "."
}

func isBlank(p string) bool {
	return strings.TrimSpace(p) == ""
}

// splitPath returns the non-empty segments of p.
func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
}
