package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/google/uuid"
	"github.com/gostratum/core"
	"github.com/gostratum/core/configx"
	"github.com/gostratum/core/logx"
	"github.com/gostratum/metricsx"
	"github.com/gostratum/tracingx"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gostratum/buildcachex"
	"github.com/gostratum/buildcachex/httpcache"
)

// flagOverrides copies explicitly set global flags onto the loaded Config.
func flagOverrides(cCtx *cli.Context) func(*buildcachex.Config) {
	return func(cfg *buildcachex.Config) {
		if cCtx.IsSet("provider") {
			cfg.Provider = cCtx.String("provider")
		}
		if cCtx.IsSet("bucket") {
			cfg.Bucket = cCtx.String("bucket")
		}
		if cCtx.IsSet("prefix") {
			cfg.KeyPrefix = cCtx.String("prefix")
		}
		if cCtx.IsSet("push") {
			cfg.Push = cCtx.Bool("push")
		}
		if cCtx.IsSet("test-mode") {
			cfg.TestMode = cCtx.Bool("test-mode")
		}
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the cache over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Value: "127.0.0.1:8080",
				Usage: "address to listen on for cache requests",
			},
			&cli.StringFlag{
				Name:    "token",
				EnvVars: []string{"BUILDCACHE_TOKEN"},
				Usage:   "bearer token required on /cache requests",
			},
			&cli.Int64Flag{
				Name:  "max-upload",
				Usage: "largest accepted upload in bytes (0 uses max_entry_size)",
			},
			&cli.Int64Flag{
				Name:  "drain-seconds",
				Value: 15,
				Usage: "seconds to wait for in-flight requests on shutdown",
			},
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "export spans with tracingx (configured under tracing.* in the config directory)",
			},
		},
		Action: serve,
	}
}

func serve(cCtx *cli.Context) error {
	zl, err := setupLogger(cCtx)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := logx.ProvideAdapter(zl)

	loader, err := loadConfig(cCtx)
	if err != nil {
		return err
	}

	var (
		addr          = cCtx.String("listen-addr")
		drainDuration = time.Duration(cCtx.Int64("drain-seconds")) * time.Second
		health        = core.NewHealthRegistry()
		srv           *httpcache.Server
	)

	tracing := fx.Options()
	if cCtx.Bool("trace") {
		tracing = tracingx.Module()
	}

	app := fx.New(
		fx.NopLogger,
		fx.Supply(
			fx.Annotate(loader, fx.As(new(configx.Loader))),
			fx.Annotate(logger, fx.As(new(logx.Logger))),
			fx.Annotate(health, fx.As(new(core.Registry))),
		),
		metricsx.Module(),
		tracing,
		buildcachex.Module(),
		fx.Invoke(func(lc fx.Lifecycle, cfg *buildcachex.Config, cache *buildcachex.CacheService, provider metricsx.Provider) {
			maxUpload := cCtx.Int64("max-upload")
			if maxUpload <= 0 {
				maxUpload = cfg.MaxEntrySize
			}

			opts := httpcache.Options{
				Token:        cCtx.String("token"),
				MaxEntrySize: maxUpload,
				Health:       health,
				Logger:       logger,
			}
			if exposer, ok := provider.(interface{ Handler() http.Handler }); ok {
				opts.MetricsHandler = exposer.Handler()
			}
			srv = httpcache.NewServer(cache, opts)
			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           srv.CreateHandler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					ln, err := net.Listen("tcp", addr)
					if err != nil {
						return fault.Wrap(err, fmsg.WithDesc("listen failed",
							fmt.Sprintf("Address %s is unavailable. Pick another with --listen-addr.", addr)))
					}

					go func() {
						logger.Debug("starting HTTP server", logx.String("addr", addr))
						if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
							// the readiness check below will fail as well
							logger.Error("HTTP server failed", logx.Err(err))
						}
					}()

					return waitReady(ctx, addr)
				},
				OnStop: func(ctx context.Context) error {
					return httpSrv.Shutdown(ctx)
				},
			})
		}),
	)

	startCtx, cancel := context.WithTimeout(cCtx.Context, time.Minute)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fault.Wrap(err, fmsg.With("failed to start cache server"))
	}

	logger.Info("Build cache server is running, press Ctrl+C to stop", logx.String("addr", addr))
	sig := <-app.Done()
	logger.Info("Shutdown signal received", logx.String("signal", sig.String()))

	stopCtx, cancel := context.WithTimeout(context.Background(), drainDuration)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		return fault.Wrap(err, fmsg.With("error during shutdown"))
	}

	srv.LogStatistics()
	return nil
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "check that the bucket is reachable with the configured credentials",
		Action: func(cCtx *cli.Context) error {
			return withCache(cCtx, func(cache *buildcachex.CacheService) error {
				if err := buildcachex.CheckHealth(cCtx.Context, cache.Storage()); err != nil {
					return fault.Wrap(err, fmsg.With("health check failed"))
				}

				enc := json.NewEncoder(cCtx.App.Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(cache.Describe())
			})
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "download an entry",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "file to write the entry to (defaults to stdout)",
			},
		},
		Action: func(cCtx *cli.Context) error {
			key, err := keyArg(cCtx)
			if err != nil {
				return err
			}

			return withCache(cCtx, func(cache *buildcachex.CacheService) error {
				found, err := cache.Load(cCtx.Context, key, buildcachex.ReaderFunc(func(r io.Reader) error {
					out, closeOut, err := openOutput(cCtx)
					if err != nil {
						return err
					}
					defer closeOut()
					_, err = io.Copy(out, r)
					return err
				}))
				if err != nil {
					return fault.Wrap(err, fmsg.With("failed to read entry"))
				}
				if !found {
					return cli.Exit(fmt.Sprintf("%s: not found", key), 2)
				}
				return nil
			})
		},
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "upload an entry (requires --push)",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "file to upload (defaults to stdin)",
			},
		},
		Action: func(cCtx *cli.Context) error {
			key, err := keyArg(cCtx)
			if err != nil {
				return err
			}

			entry, err := openEntry(cCtx)
			if err != nil {
				return err
			}

			return withCache(cCtx, func(cache *buildcachex.CacheService) error {
				stored, err := cache.TryStore(cCtx.Context, key, entry)
				if err != nil {
					return fault.Wrap(err, fmsg.With("failed to read input"))
				}
				if !stored {
					return cli.Exit(fmt.Sprintf("%s: not stored", key), 1)
				}
				return nil
			})
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "remove an entry (requires --push)",
		ArgsUsage: "<key>",
		Action: func(cCtx *cli.Context) error {
			key, err := keyArg(cCtx)
			if err != nil {
				return err
			}

			return withCache(cCtx, func(cache *buildcachex.CacheService) error {
				if !cache.Delete(cCtx.Context, key) {
					return cli.Exit(fmt.Sprintf("%s: not deleted", key), 1)
				}
				return nil
			})
		},
	}
}

// withCache opens the configured cache, runs fn and closes the cache.
func withCache(cCtx *cli.Context, fn func(cache *buildcachex.CacheService) error) error {
	logger, err := setupLogger(cCtx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	loader, err := loadConfig(cCtx)
	if err != nil {
		return err
	}

	cfg, err := buildcachex.LoadConfig(loader)
	if err != nil {
		return fault.Wrap(err, fmsg.WithDesc("invalid configuration",
			"Set at least a bucket, with --bucket, BUILDCACHE_BUCKET or buildcache.bucket in the config file."))
	}

	cache, err := buildcachex.New(cCtx.Context, cfg, buildcachex.WithLogger(logx.ProvideAdapter(logger)))
	if err != nil {
		return fault.Wrap(err, fmsg.With("failed to open build cache"))
	}
	defer cache.Close()

	return fn(cache)
}

func setupLogger(cCtx *cli.Context) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if !cCtx.Bool("log-json") {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	if cCtx.Bool("log-debug") {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("failed to create logger"))
	}

	if cCtx.Bool("log-uid") {
		logger = logger.With(zap.String("uid", uuid.NewString()))
	}
	return logger, nil
}

// loadConfig opens the --config directory and layers explicitly set flags on
// top of its files and the environment.
func loadConfig(cCtx *cli.Context) (configx.Loader, error) {
	var dirs []string
	if dir := cCtx.String("config"); dir != "" {
		dirs = append(dirs, dir)
	}

	loader, err := buildcachex.NewLoader(dirs...)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.WithDesc("cannot read config",
			"Check that the --config directory exists and holds base.yaml."))
	}
	return buildcachex.WithOverrides(loader, flagOverrides(cCtx)), nil
}

func keyArg(cCtx *cli.Context) (string, error) {
	key := strings.TrimSpace(cCtx.Args().First())
	if key == "" || cCtx.NArg() != 1 {
		return "", cli.Exit(fmt.Sprintf("usage: %s %s %s", cCtx.App.Name, cCtx.Command.Name, cCtx.Command.ArgsUsage), 2)
	}
	return key, nil
}

func openOutput(cCtx *cli.Context) (io.Writer, func(), error) {
	path := cCtx.String("output")
	if path == "" || path == "-" {
		return cCtx.App.Writer, func() {}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fault.Wrap(err, fmsg.With("cannot create output file"))
	}
	return f, func() { _ = f.Close() }, nil
}

func openEntry(cCtx *cli.Context) (buildcachex.EntryWriter, error) {
	path := cCtx.String("input")
	if path == "" || path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fault.Wrap(err, fmsg.With("cannot read stdin"))
		}
		return buildcachex.BytesEntry(data), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("cannot read input file"))
	}
	return fileEntry{path: path, size: info.Size()}, nil
}

// fileEntry streams an entry from disk when the cache drains it.
type fileEntry struct {
	path string
	size int64
}

func (f fileEntry) Size() int64 { return f.size }

func (f fileEntry) WriteTo(w io.Writer) error {
	src, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = io.Copy(w, src)
	return err
}

// waitReady polls /healthz until the freshly started listener answers.
func waitReady(ctx context.Context, addr string) error {
	hc := retryablehttp.NewClient()
	hc.Logger = nil
	hc.RetryMax = 5
	hc.RetryWaitMin = 50 * time.Millisecond
	hc.RetryWaitMax = time.Second

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, serverBaseURL(addr)+"/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fault.Wrap(err, fmsg.With("HTTP server is not accessible"))
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fault.New(fmt.Sprintf("health check returned %d", resp.StatusCode),
			fmsg.WithDesc("backend unhealthy", "The server started but the storage backend failed its health check."))
	}
	return nil
}

func serverBaseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return fmt.Sprintf("http://%s", addr)
}
