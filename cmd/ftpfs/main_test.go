package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gonzalop/ftpfs"
	"github.com/gonzalop/ftpfs/internal/config"
)

// unreachable replaces openFS with FileSystems whose server refuses every
// connection, and returns the URLs in the order they were closed.
func unreachable(t *testing.T) *[]string {
	t.Helper()
	var closed []string
	openFS = func(cfg *config.Config, _ *zap.Logger) (*ftpfs.FileSystem, func(), error) {
		fs, err := ftpfs.New(func(context.Context) (ftpfs.Conn, error) {
			return nil, errors.New("connection refused")
		})
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {
			closed = append(closed, cfg.URL)
			_ = fs.Close()
		}, nil
	}
	t.Cleanup(func() { openFS = open })
	return &closed
}

func TestRun_ClosesBothServersOnFailure(t *testing.T) {
	closed := unreachable(t)
	cfg, err := config.Default("ftp://src.example.com")
	require.NoError(t, err)

	err = run(context.Background(), cfg, zap.NewNop(), flags{destURL: "ftp://dst.example.com"}, []string{"cp", "/a.txt", "/b.txt"})
	require.ErrorIs(t, err, ftpfs.ErrConnectionFailure)
	require.Equal(t, []string{"ftp://dst.example.com", "ftp://src.example.com"}, *closed)
}

func TestRun_ClosesOnUsageError(t *testing.T) {
	closed := unreachable(t)
	cfg, err := config.Default("ftp://src.example.com")
	require.NoError(t, err)

	err = run(context.Background(), cfg, zap.NewNop(), flags{}, []string{"stat"})
	require.EqualError(t, err, "usage: ftpfs stat <path>")
	require.Equal(t, []string{"ftp://src.example.com"}, *closed)
}

func TestRun_UnknownCommand(t *testing.T) {
	closed := unreachable(t)
	cfg, err := config.Default("ftp://src.example.com")
	require.NoError(t, err)

	err = run(context.Background(), cfg, zap.NewNop(), flags{}, []string{"chmod"})
	require.EqualError(t, err, "unknown command: chmod")
	require.Len(t, *closed, 1)
}

func TestLoadConfig(t *testing.T) {
	_, err := loadConfig("", "")
	require.Error(t, err)

	cfg, err := loadConfig("", "ftp://user@ftp.example.com")
	require.NoError(t, err)
	require.Equal(t, "user@ftp.example.com:21", cfg.Identity)
}
