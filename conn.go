package ftpfs

import (
	"context"
	"io"

	"github.com/gonzalop/ftpfs/client"
)

// Conn is the FTP connection the engine drives. *client.Client implements
// it. Negative replies must be returned as *client.ProtocolError and
// unparseable replies must wrap client.ErrMalformedResponse.
type Conn interface {
	ChangeDir(path string) error
	CurrentDir() (string, error)
	MakeDir(path string) error
	RemoveDir(path string) error
	Delete(path string) error
	Rename(from, to string) error

	// List and MLList list path, or the working directory when path is empty.
	List(path string) ([]*client.Entry, error)
	MLList(path string) ([]*client.Entry, error)
	MLStat(path string) (*client.Entry, error)
	HasFeature(name string) bool

	RetrieveStream(path string) (io.ReadCloser, error)
	StoreStream(path string) (io.WriteCloser, error)
	AppendStream(path string) (io.WriteCloser, error)
	CompletePendingCommand() error

	Noop() error
	ReplyCode() int
	ReplyString() string
	Quit() error
}

var _ Conn = (*client.Client)(nil)

// Dialer opens a logged-in connection.
type Dialer func(ctx context.Context) (Conn, error)

// URLDialer returns a Dialer that connects with client.Connect. The context
// is only checked before dialing; set a dial timeout with
// client.WithTimeout.
func URLDialer(url string, opts ...client.Option) Dialer {
	return func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return client.Connect(url, opts...)
	}
}
