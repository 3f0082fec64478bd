// Command ftpfs runs filesystem operations against an FTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gonzalop/ftpfs"
	"github.com/gonzalop/ftpfs/client"
	"github.com/gonzalop/ftpfs/internal/config"
	"github.com/gonzalop/ftpfs/internal/logging"
	"github.com/gonzalop/ftpfs/lock/redislock"
	"github.com/gonzalop/ftpfs/metrics"
)

// flags are the command line switches that shape a command.
type flags struct {
	recursive  bool
	overwrite  bool
	parents    bool
	appendMode bool
	lock       bool
	destURL    string
}

// openFS builds a FileSystem from a configuration; tests replace it.
var openFS = open

func main() {
	var f flags
	configPath := flag.String("config", "", "YAML configuration file")
	serverURL := flag.String("url", "", "Server URL, used when -config is not given")
	flag.BoolVar(&f.recursive, "r", false, "Recursive listing")
	flag.BoolVar(&f.overwrite, "f", false, "Overwrite existing targets")
	flag.BoolVar(&f.parents, "p", false, "Create missing parent directories")
	flag.BoolVar(&f.appendMode, "a", false, "Append instead of overwrite (put)")
	flag.BoolVar(&f.lock, "lock", false, "Hold the file lock during the transfer")
	flag.StringVar(&f.destURL, "dest-url", "", "Destination server URL (cp, mv)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath, *serverURL)
	if err != nil {
		fatal(err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = run(ctx, cfg, logger, f, args)
	stop()
	_ = logger.Sync()
	if err != nil {
		fatal(err)
	}
}

// run executes one command. Every connection it opens is closed before it
// returns.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, f flags, args []string) (err error) {
	cmd, cmdArgs := args[0], args[1:]
	defer func() {
		if err != nil {
			logger.Debug("command failed", zap.String("command", cmd), zap.Error(err))
		}
	}()

	fs, cleanup, err := openFS(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	switch cmd {
	case "ls", "list":
		return cmdList(ctx, fs, cmdArgs, f.recursive)
	case "stat":
		return cmdStat(ctx, fs, cmdArgs)
	case "cat", "get":
		return cmdCat(ctx, fs, cmdArgs, f.lock)
	case "put":
		mode := ftpfs.Overwrite
		if f.appendMode {
			mode = ftpfs.Append
		} else if !f.overwrite {
			mode = ftpfs.CreateNew
		}
		return cmdPut(ctx, fs, cmdArgs, ftpfs.WriteOptions{Mode: mode, Lock: f.lock, CreateParentDirectories: f.parents})
	case "cp", "mv":
		opts := ftpfs.CopyOptions{Overwrite: f.overwrite, CreateParentDirectories: f.parents}
		if f.destURL != "" {
			destCfg, err := config.Default(f.destURL)
			if err != nil {
				return err
			}
			dest, destCleanup, err := openFS(destCfg, logger)
			if err != nil {
				return err
			}
			defer destCleanup()
			opts.Destination = dest
		}
		return cmdCopy(ctx, fs, cmdArgs, opts, cmd == "mv")
	case "rm":
		return cmdRemove(ctx, fs, cmdArgs)
	case "mkdir":
		return cmdMkdir(ctx, fs, cmdArgs)
	case "rename":
		return cmdRename(ctx, fs, cmdArgs, f.overwrite)
	case "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage() {
	fmt.Println(`ftpfs - filesystem operations over FTP

Usage: ftpfs [flags] <command> [args]

Flags:
  -config <file>     YAML configuration file
  -url <url>         Server URL (ftp://, ftps://, ftp+explicit://) without a config file
  -r                 Recursive listing
  -f                 Overwrite existing targets
  -p                 Create missing parent directories
  -a                 Append (put)
  -lock              Hold the file lock during the transfer
  -dest-url <url>    Destination server for cp and mv

Commands:
  ls [path]              List a directory
  stat <path>            Show attributes
  cat <path>             Write a file to stdout
  put <local> <remote>   Upload a local file ("-" reads stdin)
  cp <src> <dst>         Copy a file or directory tree
  mv <src> <dst>         Move a file or directory tree
  rm <path>              Delete a file or directory tree
  mkdir <path>           Create a directory and its parents
  rename <path> <name>   Rename within the same directory
  help                   Show this help message

Examples:
  ftpfs -url ftp://user:pw@host -r ls /incoming
  ftpfs -config ftpfs.yaml cat report.csv
  ftpfs -config ftpfs.yaml -p put ./a.txt archive/2024/a.txt
  ftpfs -config ftpfs.yaml -dest-url ftp://backup cp /data /mirror`)
}

func loadConfig(path, url string) (*config.Config, error) {
	switch {
	case path != "":
		return config.Load(path)
	case url != "":
		return config.Default(url)
	default:
		return nil, errors.New("one of -config or -url is required")
	}
}

// open builds a FileSystem from cfg and returns the function that closes it.
func open(cfg *config.Config, logger *zap.Logger) (*ftpfs.FileSystem, func(), error) {
	clientOpts := []client.Option{
		client.WithTimeout(cfg.Timeout),
		client.WithLogger(logger.Named("client")),
	}
	if cfg.Transfer.BandwidthLimit > 0 {
		clientOpts = append(clientOpts, client.WithBandwidthLimit(cfg.Transfer.BandwidthLimit))
	}
	if cfg.Transfer.DisableEPSV {
		clientOpts = append(clientOpts, client.WithDisableEPSV())
	}

	opts := []ftpfs.Option{
		ftpfs.WithBaseDir(cfg.BaseDir),
		ftpfs.WithIdentity(cfg.Identity),
		ftpfs.WithMaxConnections(cfg.MaxConnections),
		ftpfs.WithIdleTimeout(cfg.IdleTimeout),
		ftpfs.WithTimeBetweenSizeCheck(cfg.TimeBetweenSizeCheck),
		ftpfs.WithLockAttempts(cfg.Lock.Attempts, cfg.Lock.RetryInterval),
		ftpfs.WithLogger(logger),
	}

	var closers []func()
	if cfg.Lock.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
		})
		closers = append(closers, func() { _ = rdb.Close() })

		var lockOpts []redislock.Option
		if cfg.Lock.Redis.Prefix != "" {
			lockOpts = append(lockOpts, redislock.WithPrefix(cfg.Lock.Redis.Prefix))
		}
		lockOpts = append(lockOpts, redislock.WithTTL(cfg.Lock.Redis.TTL))
		opts = append(opts, ftpfs.WithLockFactory(redislock.New(rdb, lockOpts...)))
	}

	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, ftpfs.WithMetricsCollector(metrics.New(reg, "ftpfs")))

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		closers = append(closers, func() { _ = srv.Close() })
	}

	runClosers := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		closers = nil
	}

	fs, err := ftpfs.New(ftpfs.URLDialer(cfg.URL, clientOpts...), opts...)
	if err != nil {
		runClosers()
		return nil, nil, err
	}
	cleanup := func() {
		_ = fs.Close()
		runClosers()
	}
	return fs, cleanup, nil
}

func cmdList(ctx context.Context, fs *ftpfs.FileSystem, args []string, recursive bool) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	entries, err := fs.List(ctx, dir, ftpfs.ListOptions{Recursive: recursive})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSIZE\tMODIFIED\tPATH")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", kind(e), e.Size, formatTime(e.ModTime), e.Path)
	}
	return w.Flush()
}

func cmdStat(ctx context.Context, fs *ftpfs.FileSystem, args []string) error {
	if len(args) != 1 {
		return usageError("stat <path>")
	}
	a, err := fs.Stat(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Path:     %s\n", a.Path)
	fmt.Printf("Type:     %s\n", kind(a))
	fmt.Printf("Size:     %d\n", a.Size)
	fmt.Printf("Modified: %s\n", formatTime(a.ModTime))
	return nil
}

func cmdCat(ctx context.Context, fs *ftpfs.FileSystem, args []string, lock bool) (err error) {
	if len(args) != 1 {
		return usageError("cat <path>")
	}
	rs, err := fs.Read(ctx, args[0], ftpfs.ReadOptions{Lock: lock})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rs.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(os.Stdout, rs)
	return err
}

func cmdPut(ctx context.Context, fs *ftpfs.FileSystem, args []string, opts ftpfs.WriteOptions) error {
	if len(args) != 2 {
		return usageError("put <local> <remote>")
	}
	var r io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	return fs.Write(ctx, args[1], r, opts)
}

func cmdCopy(ctx context.Context, fs *ftpfs.FileSystem, args []string, opts ftpfs.CopyOptions, move bool) error {
	if len(args) != 2 {
		return usageError("cp|mv <src> <dst>")
	}
	if move {
		return fs.Move(ctx, args[0], args[1], opts)
	}
	return fs.Copy(ctx, args[0], args[1], opts)
}

func cmdRemove(ctx context.Context, fs *ftpfs.FileSystem, args []string) error {
	if len(args) == 0 {
		return usageError("rm <path>...")
	}
	for _, p := range args {
		if err := fs.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func cmdMkdir(ctx context.Context, fs *ftpfs.FileSystem, args []string) error {
	if len(args) == 0 {
		return usageError("mkdir <path>...")
	}
	for _, p := range args {
		if err := fs.CreateDirectory(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func cmdRename(ctx context.Context, fs *ftpfs.FileSystem, args []string, overwrite bool) error {
	if len(args) != 2 {
		return usageError("rename <path> <name>")
	}
	return fs.Rename(ctx, args[0], args[1], overwrite)
}

func kind(a *ftpfs.FileAttributes) string {
	switch {
	case a.IsDirectory:
		return "dir"
	case a.IsSymbolicLink:
		return "link"
	case a.IsRegularFile:
		return "file"
	default:
		return "other"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func usageError(usage string) error {
	return fmt.Errorf("usage: ftpfs %s", usage)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
