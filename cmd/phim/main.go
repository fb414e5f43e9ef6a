// phim turns images referenced in HTML into responsive, multi-format
// derivatives cached under <root>/__phim and rewrites the markup to serve
// them through <picture>.
//
// Usage:
//
//	phim [flags] rewrite [file|-]   rewrite a document (stdin when omitted)
//	phim [flags] process <ref>      process one reference and print JSON
//	phim [flags] purge              delete every cached artifact
//	phim [flags] warm               process every image under the root
//	phim [flags] serve              run the HTTP API
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"phim/internal/codec"
	"phim/internal/config"
	httphandlers "phim/internal/http"
	"phim/internal/logger"
	"phim/internal/pipeline"
	"phim/internal/rewrite"
	"phim/internal/scan"
	"phim/internal/source"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	fragment bool
	output   string
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var f flags
	flagSet := pflag.NewFlagSet("phim", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Root, "root", cfg.Root, "site root that local references and the cache live under")
	flagSet.BoolVar(&cfg.ReuseCache, "reuse-cache", cfg.ReuseCache, "reuse cached originals and variants instead of regenerating them")
	flagSet.BoolVar(&cfg.StripRemoteQuery, "strip-remote-query", cfg.StripRemoteQuery, "ignore remote query strings when hashing")
	flagSet.BoolVar(&cfg.Debug, "debug", cfg.Debug, "log every processed image")
	flagSet.IntVar(&cfg.Workers, "workers", cfg.Workers, "maximum concurrent encodes")
	flagSet.IntVar(&cfg.FallbackMaxWidth, "fallback-max-width", cfg.FallbackMaxWidth, "width cap of the <img> fallback")
	flagSet.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "timeout for remote fetches")
	flagSet.IntVar(&cfg.Port, "port", cfg.Port, "listen port for serve")
	transformPath := flagSet.String("transform", "", "YAML file with sizes, media and formats")
	flagSet.BoolVar(&f.fragment, "fragment", false, "rewrite: treat input as a fragment, not a full document")
	flagSet.StringVarP(&f.output, "output", "o", "-", "rewrite: output file")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *transformPath != "" {
		transform, err := config.LoadTransform(*transformPath)
		if err != nil {
			return err
		}
		cfg.Transform = transform
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: phim [flags] rewrite|process|purge|warm|serve [args]")
		flagSet.PrintDefaults()
		return errors.New("missing command")
	}
	command, rest := rest[0], rest[1:]

	// Commands other than serve print their result on stdout.
	logOutput := "stderr"
	if command == "serve" {
		logOutput = "stdout"
	}
	log, err := logger.NewWithOutput(cfg.LogLevelName(), logOutput)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	startVips(cfg, log)
	defer vips.Shutdown()

	p, err := pipeline.New(cfg, codec.NewVips(log), source.NewHTTPFetcher(cfg.FetchTimeout), log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "rewrite":
		return runRewrite(ctx, p, log, f, rest)
	case "process":
		if len(rest) != 1 {
			return errors.New("process takes exactly one reference")
		}
		result, err := p.Process(ctx, rest[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "purge":
		return p.Purge()
	case "warm":
		summary, err := scan.New(cfg.Root, config.CacheDirName, cfg.Workers, p, log).Warm(ctx)
		if err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d of %d images failed", summary.Failed, summary.Found)
		}
		return nil
	case "serve":
		return serve(ctx, cfg, p, log)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                // Disable disk cache
		MaxCacheSize:     0,                                // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Debug("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)
}

func runRewrite(ctx context.Context, p *pipeline.Pipeline, log *zap.Logger, f flags, args []string) error {
	var in io.Reader = os.Stdin
	if len(args) > 0 && args[0] != "-" {
		file, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer file.Close()
		in = file
	}

	markup, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	r := rewrite.New(p, log)
	var out string
	var rewriteErr error
	if f.fragment {
		out, rewriteErr = r.RewriteFragment(ctx, string(markup))
	} else {
		out, rewriteErr = r.RewriteDocument(ctx, string(markup))
	}
	if out == "" && rewriteErr != nil {
		return rewriteErr
	}

	if f.output == "-" {
		_, err = io.WriteString(os.Stdout, out)
	} else {
		err = os.WriteFile(f.output, []byte(out), 0644)
	}
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	// The markup is written even when some images failed, but the build
	// must still see the failure.
	return rewriteErr
}

func serve(ctx context.Context, cfg *config.Config, p *pipeline.Pipeline, log *zap.Logger) error {
	if err := p.Store().Init(); err != nil {
		return err
	}

	handlers := httphandlers.New(cfg, log, rewrite.New(p, log), p, p.Store().Dir())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info("Server started", zap.Int("port", cfg.Port), zap.String("root", cfg.Root))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server stopped")
	return nil
}
