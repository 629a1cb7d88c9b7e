// Command tally-collector runs a development ingestion server for the Tally
// SDK and forwards accepted events to a configurable sink.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/tallyhq/tally-go/internal/collector"
	"github.com/tallyhq/tally-go/internal/collector/sinks"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		addr       string
		sinkType   string
		apiKeys    []string
		dedupSize  int
		logLevel   string
	)

	flagSet := pflag.NewFlagSet("tally-collector", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&addr, "addr", "", "listen address (default :8080)")
	flagSet.StringVar(&sinkType, "sink", "", "sink type: "+strings.Join(sinks.Available(), ", "))
	flagSet.StringSliceVar(&apiKeys, "api-key", nil, "accepted API key, repeatable (default: any)")
	flagSet.IntVar(&dedupSize, "dedup-size", 0, "number of message ids remembered for deduplication")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	config := collector.DefaultConfig()
	if configPath != "" {
		loaded, err := collector.LoadConfig(configPath)
		if err != nil {
			return err
		}
		config = loaded
	}
	if flagSet.Changed("addr") {
		config.Addr = addr
	}
	if flagSet.Changed("sink") {
		config.Sink = collector.SinkConfig{Type: sinkType}
	}
	if flagSet.Changed("api-key") {
		config.APIKeys = apiKeys
	}
	if flagSet.Changed("dedup-size") {
		config.DedupSize = dedupSize
	}
	if flagSet.Changed("log-level") {
		config.LogLevel = logLevel
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := sinks.Create(ctx, config.Sink.Type, config.Sink.Options)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	c, err := collector.New(collector.Options{
		APIKeys:     config.APIKeys,
		DedupSize:   config.DedupSize,
		SinkTimeout: config.SinkTimeout,
		Sink:        sink,
		Logger:      logger,
	})
	if err != nil {
		_ = sink.Close()
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close sink")
		}
	}()

	server := &http.Server{
		Addr:              config.Addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", config.Addr).Info("Listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	stats := c.Stats()
	logger.WithFields(logrus.Fields{
		"accepted":   stats.Accepted,
		"duplicates": stats.Duplicates,
		"errors":     stats.Errors,
		"rejected":   stats.Rejected,
	}).Info("Collector stopped")
	return nil
}
