// Package client implements the FTP control and data channels used by the
// ftpfs engine.
//
// # Overview
//
// A Client owns one control connection and performs at most one transfer at a
// time. It supports:
//   - Plain FTP, explicit TLS (AUTH TLS) and implicit TLS
//   - Passive data connections (EPSV with PASV fallback)
//   - LIST with Unix, DOS and EPLF parsers, plus MLSD and MLST (RFC 3659)
//   - Streaming RETR, STOR and APPE with explicit completion
//   - Per-client bandwidth limiting
//
// # Transfers
//
// Streaming transfers return as soon as the server sends its preliminary
// reply. The caller reads or writes the stream, closes it and then calls
// CompletePendingCommand to read the final reply. No other command may be
// sent in between:
//
//	w, err := c.StoreStream("/incoming/report.csv")
//	if err != nil {
//	    return err
//	}
//	if _, err := io.Copy(w, src); err != nil {
//	    w.Close()
//	    _ = c.CompletePendingCommand()
//	    return err
//	}
//	w.Close()
//	return c.CompletePendingCommand()
//
// # Errors
//
// Negative server replies are returned as *ProtocolError, which keeps the
// command, reply code and reply text. Replies that cannot be parsed wrap
// ErrMalformedResponse so callers can tell a confused server from a broken
// connection.
package client
