package ftpfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gonzalop/ftpfs/client"
)

// fakeServer is an in-memory FTP server filesystem shared by any number of
// fakeConns. Quirks are toggled through its fields before use.
type fakeServer struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode
	seq   int

	// features advertised in FEAT, e.g. "MLST"
	features map[string]bool

	// mlstMalformed makes MLST answer with an unparseable reply
	mlstMalformed bool

	// mlsdMalformed makes MLSD answer with an unparseable reply
	mlsdMalformed bool

	// singleListCode, when set, is the reply to LIST of a single file
	singleListCode int

	// singleListEmpty makes LIST of a single file succeed with no entries
	singleListEmpty bool

	// rejectRootAbsolute refuses transfers of "/name"; "name" from "/" works
	rejectRootAbsolute bool

	// hook runs before every command, outside the lock
	hook func(verb, arg string)

	// fail maps "VERB /abs/path" to the error that command returns
	fail map[string]error

	commands []string
	conns    []*fakeConn
	dials    int
	quits    int
}

// dropConnections closes every open control connection from the server
// side, as an idle timeout would.
func (srv *fakeServer) dropConnections() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, c := range srv.conns {
		c.quit = true
	}
}

type fakeNode struct {
	dir     bool
	data    []byte
	modTime time.Time
	seq     int

	// grow is appended to the file every time its size is reported, until
	// growTimes reaches zero. A negative growTimes grows forever.
	grow      []byte
	growTimes int
}

func newFakeServer() *fakeServer {
	srv := &fakeServer{
		nodes:    make(map[string]*fakeNode),
		features: make(map[string]bool),
		fail:     make(map[string]error),
	}
	srv.nodes["/"] = &fakeNode{dir: true}
	return srv
}

func newMLSTServer() *fakeServer {
	srv := newFakeServer()
	srv.features["MLST"] = true
	return srv
}

func (srv *fakeServer) addDir(p string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.mkdirAllLocked(p)
}

func (srv *fakeServer) mkdirAllLocked(p string) {
	p = path.Clean(p)
	if _, ok := srv.nodes[p]; ok {
		return
	}
	srv.mkdirAllLocked(path.Dir(p))
	srv.seq++
	srv.nodes[p] = &fakeNode{dir: true, seq: srv.seq}
}

func (srv *fakeServer) addFile(p, content string) *fakeNode {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	p = path.Clean(p)
	srv.mkdirAllLocked(path.Dir(p))
	srv.seq++
	n := &fakeNode{data: []byte(content), modTime: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), seq: srv.seq}
	srv.nodes[p] = n
	return n
}

func (srv *fakeServer) remove(p string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.nodes, p)
}

func (srv *fakeServer) content(p string) (string, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	n, ok := srv.nodes[p]
	if !ok || n.dir {
		return "", false
	}
	return string(n.data), true
}

func (srv *fakeServer) exists(p string) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	_, ok := srv.nodes[p]
	return ok
}

func (srv *fakeServer) isDir(p string) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	n, ok := srv.nodes[p]
	return ok && n.dir
}

// paths returns every path below root, sorted.
func (srv *fakeServer) paths(root string) []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	var out []string
	for p := range srv.nodes {
		if p != root && strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/") {
			out = append(out, strings.TrimPrefix(p, root))
		}
	}
	sort.Strings(out)
	return out
}

// count returns how many logged commands start with prefix.
func (srv *fakeServer) count(prefix string) int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	n := 0
	for _, c := range srv.commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (srv *fakeServer) resetCommands() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.commands = nil
}

func (srv *fakeServer) dialer() Dialer {
	return func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		srv.mu.Lock()
		defer srv.mu.Unlock()
		srv.dials++
		conn := &fakeConn{srv: srv, cwd: "/"}
		srv.conns = append(srv.conns, conn)
		return conn, nil
	}
}

// childrenLocked returns the direct children of dir in creation order.
func (srv *fakeServer) childrenLocked(dir string) []string {
	var out []string
	for p := range srv.nodes {
		if p != "/" && path.Dir(p) == dir {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return srv.nodes[out[i]].seq < srv.nodes[out[j]].seq })
	return out
}

// entryLocked reports n and applies its growth.
func (srv *fakeServer) entryLocked(name string, n *fakeNode) *client.Entry {
	e := &client.Entry{Name: name, Type: "file", Size: int64(len(n.data)), ModTime: n.modTime}
	if n.dir {
		e.Type = "dir"
		e.Size = 0
	}
	if len(n.grow) > 0 && n.growTimes != 0 {
		n.data = append(n.data, n.grow...)
		if n.growTimes > 0 {
			n.growTimes--
		}
	}
	return e
}

// fakeConn is one control connection to a fakeServer.
type fakeConn struct {
	srv *fakeServer
	cwd string

	pending   string
	lastCode  int
	lastReply string
	quit      bool
}

func reply(code int, command, msg string) *client.ProtocolError {
	return &client.ProtocolError{Command: command, Response: fmt.Sprintf("%d %s", code, msg), Code: code}
}

func (c *fakeConn) abs(p string) string {
	if p == "" {
		return c.cwd
	}
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Join(c.cwd, p)
}

// begin logs the command and applies hooks and injected failures. It
// returns with the server locked unless it returns an error.
func (c *fakeConn) begin(verb, arg string) error {
	if hook := c.srv.hook; hook != nil {
		hook(verb, arg)
	}
	c.srv.mu.Lock()
	c.srv.commands = append(c.srv.commands, strings.TrimSpace(verb+" "+arg))
	if c.quit {
		c.srv.mu.Unlock()
		return io.EOF
	}
	if c.pending != "" {
		c.srv.mu.Unlock()
		return fmt.Errorf("fake: %s sent while %s is in progress", verb, c.pending)
	}
	if err, ok := c.srv.fail[verb+" "+c.abs(arg)]; ok {
		c.srv.mu.Unlock()
		c.setReply(err)
		return err
	}
	return nil
}

func (c *fakeConn) setReply(err error) {
	if pe, ok := err.(*client.ProtocolError); ok {
		c.lastCode, c.lastReply = pe.Code, pe.Response
		return
	}
	c.lastCode, c.lastReply = 250, "250 OK"
}

func (c *fakeConn) finish(err error) error {
	c.srv.mu.Unlock()
	if err != nil {
		c.setReply(err)
		return err
	}
	c.lastCode, c.lastReply = 250, "250 OK"
	return nil
}

func (c *fakeConn) ChangeDir(p string) error {
	if err := c.begin("CWD", p); err != nil {
		return err
	}
	target := c.abs(p)
	if n, ok := c.srv.nodes[target]; !ok || !n.dir {
		return c.finish(reply(550, "CWD "+p, "Failed to change directory."))
	}
	c.cwd = target
	return c.finish(nil)
}

func (c *fakeConn) CurrentDir() (string, error) {
	if err := c.begin("PWD", ""); err != nil {
		return "", err
	}
	return c.cwd, c.finish(nil)
}

func (c *fakeConn) MakeDir(p string) error {
	if err := c.begin("MKD", p); err != nil {
		return err
	}
	target := c.abs(p)
	parent, ok := c.srv.nodes[path.Dir(target)]
	if _, exists := c.srv.nodes[target]; exists || !ok || !parent.dir {
		return c.finish(reply(550, "MKD "+p, "Create directory operation failed."))
	}
	c.srv.seq++
	c.srv.nodes[target] = &fakeNode{dir: true, seq: c.srv.seq}
	return c.finish(nil)
}

func (c *fakeConn) RemoveDir(p string) error {
	if err := c.begin("RMD", p); err != nil {
		return err
	}
	target := c.abs(p)
	n, ok := c.srv.nodes[target]
	if !ok || !n.dir || len(c.srv.childrenLocked(target)) > 0 || target == c.cwd {
		return c.finish(reply(550, "RMD "+p, "Remove directory operation failed."))
	}
	delete(c.srv.nodes, target)
	return c.finish(nil)
}

func (c *fakeConn) Delete(p string) error {
	if err := c.begin("DELE", p); err != nil {
		return err
	}
	target := c.abs(p)
	if n, ok := c.srv.nodes[target]; !ok || n.dir {
		return c.finish(reply(550, "DELE "+p, "Delete operation failed."))
	}
	delete(c.srv.nodes, target)
	return c.finish(nil)
}

func (c *fakeConn) Rename(from, to string) error {
	if err := c.begin("RNFR", from); err != nil {
		return err
	}
	src, dst := c.abs(from), c.abs(to)
	_, srcOK := c.srv.nodes[src]
	parent, parentOK := c.srv.nodes[path.Dir(dst)]
	_, dstExists := c.srv.nodes[dst]
	if !srcOK || !parentOK || !parent.dir || dstExists {
		return c.finish(reply(550, "RNTO "+to, "Rename failed."))
	}
	for p, n := range c.srv.nodes {
		if p == src || strings.HasPrefix(p, src+"/") {
			delete(c.srv.nodes, p)
			c.srv.nodes[dst+strings.TrimPrefix(p, src)] = n
		}
	}
	return c.finish(nil)
}

func (c *fakeConn) listDir(dir string, withDots bool) []*client.Entry {
	var entries []*client.Entry
	if withDots {
		entries = append(entries,
			&client.Entry{Name: ".", Type: "dir"},
			&client.Entry{Name: "..", Type: "dir"})
	}
	for _, child := range c.srv.childrenLocked(dir) {
		entries = append(entries, c.srv.entryLocked(path.Base(child), c.srv.nodes[child]))
	}
	return entries
}

func (c *fakeConn) List(p string) ([]*client.Entry, error) {
	if err := c.begin("LIST", p); err != nil {
		return nil, err
	}
	target := c.abs(p)
	n, ok := c.srv.nodes[target]
	switch {
	case !ok:
		return nil, c.finish(reply(550, "LIST "+p, "No such file or directory."))
	case n.dir:
		entries := c.listDir(target, true)
		return entries, c.finish(nil)
	case c.srv.singleListCode != 0:
		return nil, c.finish(reply(c.srv.singleListCode, "LIST "+p, "Not supported."))
	case c.srv.singleListEmpty:
		return nil, c.finish(nil)
	}
	e := c.srv.entryLocked(path.Base(target), n)
	return []*client.Entry{e}, c.finish(nil)
}

func (c *fakeConn) MLList(p string) ([]*client.Entry, error) {
	if err := c.begin("MLSD", p); err != nil {
		return nil, err
	}
	if c.srv.mlsdMalformed {
		return nil, c.finish(fmt.Errorf("%w: missing facts", client.ErrMalformedResponse))
	}
	target := c.abs(p)
	if n, ok := c.srv.nodes[target]; !ok || !n.dir {
		return nil, c.finish(reply(550, "MLSD "+p, "No such directory."))
	}
	entries := append([]*client.Entry{{Name: ".", Type: "cdir"}}, c.listDir(target, false)...)
	return entries, c.finish(nil)
}

func (c *fakeConn) MLStat(p string) (*client.Entry, error) {
	if err := c.begin("MLST", p); err != nil {
		return nil, err
	}
	if c.srv.mlstMalformed {
		return nil, c.finish(fmt.Errorf("%w: garbage", client.ErrMalformedResponse))
	}
	target := c.abs(p)
	n, ok := c.srv.nodes[target]
	if !ok {
		return nil, c.finish(reply(550, "MLST "+p, "No such file or directory."))
	}
	return c.srv.entryLocked(path.Base(target), n), c.finish(nil)
}

func (c *fakeConn) HasFeature(name string) bool {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.srv.features[name]
}

func (c *fakeConn) transferTarget(verb, p string) (string, error) {
	if c.srv.rejectRootAbsolute && strings.HasPrefix(p, "/") && strings.Count(p, "/") == 1 {
		return "", reply(553, verb+" "+p, "Could not create file.")
	}
	return c.abs(p), nil
}

func (c *fakeConn) RetrieveStream(p string) (io.ReadCloser, error) {
	if err := c.begin("RETR", p); err != nil {
		return nil, err
	}
	target, err := c.transferTarget("RETR", p)
	if err != nil {
		return nil, c.finish(err)
	}
	n, ok := c.srv.nodes[target]
	if !ok || n.dir {
		return nil, c.finish(reply(550, "RETR "+p, "Failed to open file."))
	}
	data := bytes.Clone(n.data)
	c.pending = "RETR"
	return io.NopCloser(bytes.NewReader(data)), c.finish(nil)
}

func (c *fakeConn) StoreStream(p string) (io.WriteCloser, error) {
	return c.store("STOR", p, false)
}

func (c *fakeConn) AppendStream(p string) (io.WriteCloser, error) {
	return c.store("APPE", p, true)
}

func (c *fakeConn) store(verb, p string, appendData bool) (io.WriteCloser, error) {
	if err := c.begin(verb, p); err != nil {
		return nil, err
	}
	target, err := c.transferTarget(verb, p)
	if err != nil {
		return nil, c.finish(err)
	}
	parent, ok := c.srv.nodes[path.Dir(target)]
	n, exists := c.srv.nodes[target]
	if !ok || !parent.dir || (exists && n.dir) {
		return nil, c.finish(reply(553, verb+" "+p, "Could not create file."))
	}
	if !exists {
		c.srv.seq++
		n = &fakeNode{seq: c.srv.seq}
		c.srv.nodes[target] = n
	}
	if !appendData {
		n.data = nil
	}
	c.pending = verb
	return &fakeWriter{srv: c.srv, node: n}, c.finish(nil)
}

func (c *fakeConn) CompletePendingCommand() error {
	if c.pending == "" {
		return client.ErrNoPendingCommand
	}
	c.pending = ""
	c.lastCode, c.lastReply = 226, "226 Transfer complete."
	return nil
}

func (c *fakeConn) ReplyCode() int      { return c.lastCode }
func (c *fakeConn) ReplyString() string { return c.lastReply }

func (c *fakeConn) Noop() error {
	if err := c.begin("NOOP", ""); err != nil {
		return err
	}
	return c.finish(nil)
}

func (c *fakeConn) Quit() error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.quit = true
	c.srv.quits++
	return nil
}

type fakeWriter struct {
	srv  *fakeServer
	node *fakeNode
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.srv.mu.Lock()
	defer w.srv.mu.Unlock()
	w.node.data = append(w.node.data, p...)
	return len(p), nil
}

func (w *fakeWriter) Close() error { return nil }

// newTestFS returns a FileSystem over srv.
func newTestFS(t *testing.T, srv *fakeServer, opts ...Option) *FileSystem {
	t.Helper()
	fs, err := New(srv.dialer(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

// newTestSession returns a Session on a fresh connection to srv.
func newTestSession(t *testing.T, srv *fakeServer) *Session {
	t.Helper()
	conn, err := srv.dialer()(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return newSession(1, conn, zap.NewNop(), nil)
}
