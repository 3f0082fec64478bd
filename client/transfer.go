package client

import (
	"fmt"
	"io"
	"net"

	"github.com/gonzalop/ftpfs/internal/ratelimit"
)

// dataStream is the caller's view of a data connection. Close only closes
// the data connection; the transfer's completion reply must still be read
// with CompletePendingCommand.
type dataStream struct {
	conn net.Conn
	r    io.Reader
	w    io.Writer
}

func (s *dataStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *dataStream) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *dataStream) Close() error {
	return s.conn.Close()
}

// RetrieveStream issues RETR in binary mode and returns the content stream.
// The server's refusal (e.g. 550 for a missing file) is returned as a
// *ProtocolError.
//
// Example:
//
//	rc, err := c.RetrieveStream("/pub/data.csv")
//	if err != nil {
//	    return err
//	}
//	_, copyErr := io.Copy(w, rc)
//	rc.Close()
//	if err := c.CompletePendingCommand(); err != nil {
//	    return err
//	}
func (c *Client) RetrieveStream(remotePath string) (io.ReadCloser, error) {
	conn, err := c.openBinaryTransfer("RETR", remotePath)
	if err != nil {
		return nil, err
	}
	return &dataStream{conn: conn, r: ratelimit.NewReader(conn, c.limiter)}, nil
}

// StoreStream issues STOR in binary mode, creating or truncating the
// remote file, and returns the upload stream.
func (c *Client) StoreStream(remotePath string) (io.WriteCloser, error) {
	conn, err := c.openBinaryTransfer("STOR", remotePath)
	if err != nil {
		return nil, err
	}
	return &dataStream{conn: conn, w: ratelimit.NewWriter(conn, c.limiter)}, nil
}

// AppendStream issues APPE in binary mode. Whether a missing file is
// created is up to the server.
func (c *Client) AppendStream(remotePath string) (io.WriteCloser, error) {
	conn, err := c.openBinaryTransfer("APPE", remotePath)
	if err != nil {
		return nil, err
	}
	return &dataStream{conn: conn, w: ratelimit.NewWriter(conn, c.limiter)}, nil
}

func (c *Client) openBinaryTransfer(command, remotePath string) (net.Conn, error) {
	if err := c.Type("I"); err != nil {
		return nil, fmt.Errorf("failed to set binary mode: %w", err)
	}
	return c.openTransfer(command, remotePath)
}
