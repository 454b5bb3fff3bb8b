package quillwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quillnote/quillsync"
	"github.com/quillnote/quillsync/pkg/call"
	"github.com/quillnote/quillsync/pkg/logger"
	qslog "github.com/quillnote/quillsync/pkg/logger/slog"
	"github.com/quillnote/quillsync/pkg/notify"
	"github.com/quillnote/quillsync/pkg/reconcile"
	"github.com/quillnote/quillsync/pkg/tokenstore"
)

const shutdownTimeout = 5 * time.Second

// OpenTokenStore returns the token store in dir, or in the per-user default
// directory when dir is empty.
func OpenTokenStore(dir string) (*tokenstore.Disk, error) {
	if dir == "" {
		var err error
		if dir, err = tokenstore.DefaultDir(); err != nil {
			return nil, err
		}
	}
	return tokenstore.Open(dir), nil
}

// openLogger returns the logger selected by config.LogFormat and a function
// releasing its file.
func openLogger(config *Config) (logger.Logger, func() error, error) {
	if config.LogFormat != "text" && config.LogFormat != "json" {
		logData, err := logger.NewBuild().FromPath(config.LogFile).Level(config.LogLevel).Make()
		if err != nil {
			return nil, nil, err
		}
		return logData.Logger, logData.Close, nil
	}

	var w io.Writer = os.Stdout
	closeFn := func() error { return nil }
	if config.LogFile != "" {
		f, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			return nil, nil, err
		}
		w, closeFn = f, f.Close
	}

	opts := &slog.HandlerOptions{Level: qslog.ParseLevel(config.LogLevel)}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if config.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	return qslog.New(h).With("app", "quillwatch"), closeFn, nil
}

// newClient builds the sync client for config. reg receives its metrics.
func newClient(config *Config, log logger.Logger, tokens tokenstore.Store, reg prometheus.Registerer) (*quillsync.Client, error) {
	cfg := quillsync.NewConfig()
	cfg.Endpoint = config.Endpoint
	cfg.APIURL = config.APIURL
	cfg.Codec = config.Codec
	cfg.Logger = log
	cfg.Registerer = reg
	cfg.Notifier = notify.Log{Logger: log}
	cfg.TokenStore = tokens
	cfg.Renderer = newOperator(log, config)
	if config.Answer {
		cfg.Media = silence{}
	} else {
		cfg.Media = call.NoMedia{}
	}
	return quillsync.New(cfg)
}

// Do runs the watcher until ctx is cancelled. It connects with config.Token,
// or with the saved token when none is given, and logs what the client sees.
// The configuration should be validated before calling this function.
func Do(ctx context.Context, config *Config) error {
	log, closeLog, err := openLogger(config)
	if err != nil {
		return fmt.Errorf("failed to open the log: %w", err)
	}
	defer closeLog()

	tokens, err := OpenTokenStore(config.TokenDir)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	client, err := newClient(config, log, tokens, reg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			log.Warn("quillwatch failed to close the client", "error", err)
		}
	}()

	if config.Token != "" {
		err = client.Login(ctx, config.Token)
	} else {
		err = client.Start(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	off, err := client.OnChange(ctx, func(ch reconcile.Change) {
		log.Debug("quillwatch view changed", "change", ch)
	})
	if err != nil {
		return err
	}
	defer off()

	if config.Listen != "" {
		srv := &http.Server{
			Addr:              config.Listen,
			Handler:           NewRouter(client, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("quillwatch status server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info("quillwatch is serving status", "addr", config.Listen)
	}

	<-ctx.Done()
	log.Info("quillwatch is shutting down")
	return nil
}
