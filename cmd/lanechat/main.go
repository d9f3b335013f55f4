package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lanechat/lanechat/internal/chat"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func newRootCmd() *cobra.Command {
	var (
		listenAddr string
		httpAddr   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "lanechat",
		Short: "Line-routed chat broadcast server",
		Long: "lanechat is a text-line broadcast server: clients claim a unique display\n" +
			"name and exchange newline-terminated messages routed to all members or to\n" +
			"an explicit recipient list, over TCP or WebSocket.",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := chat.LoadConfig()
			if err != nil {
				return errors.Wrap(err, "load configuration")
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "TCP listen address (overrides CHAT_LISTEN_ADDR)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP/WebSocket listen address (overrides CHAT_HTTP_ADDR)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error (overrides CHAT_LOG_LEVEL)")
	return cmd
}

func run(cfg chat.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.Logger = logger

	registry := chat.NewRegistry(logger)
	server := chat.NewServer(cfg, registry, logger)
	httpServer := chat.NewHTTPServer(cfg.HTTPAddr, server)

	errCh := make(chan error, 2)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http listener ready")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			shutdown(server, httpServer, cfg.ShutdownTimeout, logger)
			return err
		}
	}

	shutdown(server, httpServer, cfg.ShutdownTimeout, logger)
	return nil
}

func shutdown(server *chat.Server, httpServer *http.Server, timeout time.Duration, logger zerolog.Logger) {
	if err := chat.ShutdownHTTPServer(httpServer, timeout); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}
	if err := server.Shutdown(timeout); err != nil {
		logger.Warn().Err(err).Msg("chat server shutdown error")
	}
}

func newLogger(level string) (zerolog.Logger, error) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, errors.Wrapf(err, "parse log level %q", level)
	}

	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger(), nil
}
