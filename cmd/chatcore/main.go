package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/connection"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/notify"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/server"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/session"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const appName = "chatcore"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Real-time chat client core with a local UI bridge",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("channel-url", defaults.GetString("channel.url"), "Chat channel websocket URL")
	cmd.PersistentFlags().Duration("reconnect-min", defaults.GetDuration("channel.reconnect_min"), "Initial reconnect delay")
	cmd.PersistentFlags().Duration("reconnect-max", defaults.GetDuration("channel.reconnect_max"), "Maximum reconnect delay")
	cmd.PersistentFlags().String("store-path", defaults.GetString("store.path"), "SQLite store path")
	cmd.PersistentFlags().String("name", defaults.GetString("identity.name"), "Identity to use instead of prompting")
	cmd.PersistentFlags().StringSlice("allow", nil, "Identities allowed to join (empty allows any)")
	cmd.PersistentFlags().Bool("notifications", defaults.GetBool("notifications.permission"), "Allow desktop notifications")
	cmd.PersistentFlags().String("bridge-address", defaults.GetString("bridge.address"), "UI bridge listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "channel.url", "channel-url")
	bindFlag(cmd, "channel.reconnect_min", "reconnect-min")
	bindFlag(cmd, "channel.reconnect_max", "reconnect-max")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "identity.name", "name")
	bindFlag(cmd, "identity.allowed", "allow")
	bindFlag(cmd, "notifications.permission", "notifications")
	bindFlag(cmd, "bridge.address", "bridge-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runClient(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.StorePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	kvStore, err := store.NewSQLStore(store.SQLStoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger.Named("store"),
	})
	if err != nil {
		return err
	}

	transport, err := connection.NewWebsocketTransport(connection.WebsocketConfig{
		URL:          appConfig.ChannelURL,
		ReconnectMin: appConfig.ReconnectMin,
		ReconnectMax: appConfig.ReconnectMax,
		Logger:       logger.Named("websocket"),
	})
	if err != nil {
		return err
	}

	chatSession, err := session.New(session.Config{
		Store:             kvStore,
		Transport:         transport,
		IdentityProvider:  identityProvider(appConfig.IdentityName, os.Stdin, os.Stdout),
		Authorizer:        connection.AllowList(appConfig.AllowedIdentities),
		Alerter:           notify.NewDesktopAlerter(notify.DesktopAlerterConfig{AppName: appName, Silent: true, Sound: true}),
		PermissionGranted: appConfig.NotificationPermission,
		Clock:             time.Now,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Session:        chatSession,
		AllowedOrigins: appConfig.BridgeOrigins,
		Logger:         logger.Named("bridge"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.BridgeAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chatSession.Start(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridge starting", zap.String("address", appConfig.BridgeAddress), zap.String("channel", appConfig.ChannelURL))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		<-chatSession.Done()
		return err
	case err := <-errCh:
		return err
	}
}

// identityProvider uses the configured name, or prompts on the terminal.
func identityProvider(configured string, in io.Reader, out io.Writer) connection.IdentityProvider {
	if configured != "" {
		return func(context.Context) (string, error) {
			return configured, nil
		}
	}
	prompt := &terminalPrompt{reader: bufio.NewReader(in), out: out}
	return prompt.ask
}

type promptAnswer struct {
	line string
	err  error
}

// terminalPrompt keeps one reader over the input so buffered bytes survive
// between prompts. A read abandoned by a cancelled context is handed to the
// next call instead of starting a second reader.
type terminalPrompt struct {
	reader *bufio.Reader
	out    io.Writer

	mu      sync.Mutex
	pending chan promptAnswer
}

func (p *terminalPrompt) ask(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.pending == nil {
		fmt.Fprint(p.out, "Enter your name: ")
		pending := make(chan promptAnswer, 1)
		p.pending = pending
		go func() {
			line, err := p.reader.ReadString('\n')
			pending <- promptAnswer{line: line, err: err}
		}()
	}
	pending := p.pending
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case answer := <-pending:
		p.mu.Lock()
		p.pending = nil
		p.mu.Unlock()
		if answer.err != nil && answer.line == "" {
			return "", answer.err
		}
		name := strings.TrimSpace(answer.line)
		if name == "" {
			return "", errors.New("no name entered")
		}
		return name, nil
	}
}
