package ftpfs

import (
	"path"
	"strings"

	"go.uber.org/zap"
)

// outcome is what a lookup tier concluded.
type outcome int

const (
	// fallThrough: this tier cannot decide, try the next one
	fallThrough outcome = iota
	found
	notFound
)

func (o outcome) String() string {
	switch o {
	case found:
		return "found"
	case notFound:
		return "not_found"
	default:
		return "fall_through"
	}
}

type lookupTier struct {
	name string
	run  func(s *Session, p string, st *lookupState) (*FileAttributes, outcome, error)
}

// lookupState carries what one lookup learned from one tier to the next.
type lookupState struct {
	// singleListMissed is set when LIST of the path ran but neither matched
	// nor failed in a way that says anything about the server.
	singleListMissed bool
}

// lookupTiers are tried in order until one decides.
var lookupTiers = []lookupTier{
	{name: "mlst", run: (*Session).lookupMLST},
	{name: "list", run: (*Session).lookupSingleList},
	{name: "parent", run: (*Session).lookupParentScan},
}

// lookup returns the attributes of the absolute path p, or nil when it does
// not exist. Errors are transport or protocol failures only.
func (s *Session) lookup(p string) (*FileAttributes, error) {
	if p == "/" {
		return rootAttributes(), nil
	}

	var st lookupState
	for _, tier := range lookupTiers {
		attrs, out, err := tier.run(s, p, &st)
		if err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.RecordLookup(tier.name, out.String())
		}
		switch out {
		case found:
			return attrs, nil
		case notFound:
			return nil, nil
		}
	}
	return nil, nil
}

// lookupMLST asks for the file's facts directly. Any reply the server
// refuses or garbles defers to the listing tiers.
func (s *Session) lookupMLST(p string, _ *lookupState) (*FileAttributes, outcome, error) {
	if !s.conn.HasFeature("MLST") {
		return nil, fallThrough, nil
	}

	entry, err := s.conn.MLStat(p)
	if err != nil {
		if _, ok := rejected(err); ok || isMalformed(err) {
			s.logger.Debug("MLST did not answer, trying listings", zap.String("path", p), zap.Error(err))
			return nil, fallThrough, nil
		}
		return nil, fallThrough, s.fail("mlst", p, err)
	}

	if entry.Name != path.Base(p) {
		s.logger.Debug("MLST returned another entry",
			zap.String("path", p), zap.String("entry", entry.Name))
		return nil, fallThrough, nil
	}
	return newAttributes(p, entry), found, nil
}

// lookupSingleList issues LIST for the path itself. Whether the server
// honours that is learned on first use and cached on the session.
func (s *Session) lookupSingleList(p string, st *lookupState) (*FileAttributes, outcome, error) {
	if s.capability.get() == CapabilityUnsupported {
		return nil, fallThrough, nil
	}
	if strings.Contains(p, "[") {
		s.logger.Warn("path contains '[', single file listing disabled; listing the parent directory instead, which can be slow on large directories",
			zap.String("path", p))
		return nil, fallThrough, nil
	}
	name := path.Base(p)
	if !hasExtension(name) {
		// Probably a directory; LIST would return its contents.
		return nil, fallThrough, nil
	}

	entries, err := s.conn.List(p)
	if err != nil {
		pe, isReply := rejected(err)
		switch {
		case isMalformed(err), isReply && pe.Is5xx() && !pe.FileUnavailable():
			s.learnCapability(CapabilityUnsupported, p)
			return nil, fallThrough, nil
		case isReply && pe.FileUnavailable():
			// settled by the parent scan: the file may simply be missing
			st.singleListMissed = true
			return nil, fallThrough, nil
		case isReply:
			// a transient 4xx says nothing about the capability
			return nil, fallThrough, nil
		}
		return nil, fallThrough, s.fail("list", p, err)
	}

	if len(entries) == 1 && path.Base(entries[0].Name) == name && entries[0].Type != "unknown" {
		s.learnCapability(CapabilitySupported, p)
		return newAttributes(p, entries[0]), found, nil
	}
	st.singleListMissed = true
	return nil, fallThrough, nil
}

func (s *Session) learnCapability(c Capability, p string) {
	if s.capability.set(c) {
		s.logger.Debug("learned single file listing capability",
			zap.Stringer("capability", c), zap.String("path", p))
	}
}

// lookupParentScan lists the parent directory and looks for the name. It
// works on every server but costs a full listing. Finding a file that LIST
// of the path itself missed means the server does not do single file
// listings.
func (s *Session) lookupParentScan(p string, st *lookupState) (*FileAttributes, outcome, error) {
	parent, name := path.Dir(p), path.Base(p)

	var attrs *FileAttributes
	err := s.withWorkingDir(func() error {
		ok, err := s.tryChangeDir(parent)
		if err != nil || !ok {
			return err
		}
		entries, err := s.listEntries("")
		if err != nil {
			return err
		}
		for _, e := range entries {
			if isVirtual(e) {
				continue
			}
			if e.Name == name {
				attrs = newAttributes(p, e)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fallThrough, err
	}
	if attrs == nil {
		return nil, notFound, nil
	}
	if st.singleListMissed {
		s.learnCapability(CapabilityUnsupported, p)
	}
	return attrs, found, nil
}

// stat is lookup for a path that must exist.
func (s *Session) stat(op, p string) (*FileAttributes, error) {
	attrs, err := s.lookup(p)
	if err != nil {
		return nil, err
	}
	if attrs == nil {
		return nil, newError(NotFound, op, p, "no such file or directory")
	}
	return attrs, nil
}
