// Command mrpc-chat serves a chat room over the mRPC WebSocket protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/mrpc"
	"github.com/luciancaetano/mrpc/internal/config"
	"github.com/luciancaetano/mrpc/internal/policy"
	"github.com/luciancaetano/mrpc/ws"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("mrpc-chat", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (MRPC_ADDR)")
	flagSet.StringVar(&cfg.PolicyFile, "policy", cfg.PolicyFile, "TOML authorization policy file (MRPC_POLICY_FILE)")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	chat := NewChatServer(logger)
	serverCfg, err := newServerConfig(cfg, chat, logger)
	if err != nil {
		return err
	}
	server, err := ws.New(serverCfg)
	if err != nil {
		return err
	}
	chat.Attach(server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	<-ctx.Done()

	logger.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Stop(stopCtx)
}

// newServerConfig translates the environment configuration into a server
// configuration serving the Chat controller.
func newServerConfig(cfg *config.Config, chat *ChatServer, logger *zap.Logger) (ws.ServerConfig, error) {
	serverCfg := ws.NewConfig(cfg.Addr, []mrpc.Controller{chat.Controller()})
	serverCfg.Path = cfg.Path
	serverCfg.MaxMessageSize = cfg.MaxMessageSize
	serverCfg.ReadTimeout = cfg.ReadTimeout
	serverCfg.WriteTimeout = cfg.WriteTimeout
	serverCfg.CheckOrigin = ws.AllowedOrigins(cfg.AllowedOrigins...)
	serverCfg.Logger = logger
	serverCfg.OnConnect = chat.OnConnect
	serverCfg.OnDisconnect = chat.OnDisconnect
	serverCfg.Next = healthHandler()

	if cfg.RateLimitEnabled {
		serverCfg.RateLimitConfig = &ws.RateLimitConfig{
			MessagesPerSecond: rate.Limit(cfg.RateLimitPerSecond),
			Burst:             cfg.RateLimitBurst,
			Enabled:           true,
		}
	} else {
		serverCfg.RateLimitConfig = ws.NoRateLimit()
	}

	if cfg.PolicyFile != "" {
		p, err := policy.Load(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		serverCfg.Authorizer = p
		serverCfg.Identify = p.Identify
		logger.Info("policy loaded", zap.String("file", cfg.PolicyFile), zap.Int("rules", len(p.Rules())))
	} else {
		serverCfg.Authorizer = mrpc.AllowAll()
		logger.Warn("no policy file configured, every controller is open to anonymous peers")
	}
	return serverCfg, nil
}

func healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `mrpc-chat serves a chat room over WebSocket.

Peers connect to the endpoint path (default /mRPC/) and call Chat.Send,
Chat.SetName, Chat.Members and Chat.Users. The server pushes Receive,
Joined, Renamed and Left calls back to every member.

Every flag has an environment variable counterpart; flags win.

Usage:
  mrpc-chat [flags]

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
