// Command loomd runs the chat backend. Providers come up for whatever API
// keys are present in the environment; storage and the live-view broker
// degrade gracefully to in-process defaults when MongoDB or NATS are not
// configured.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fogfish/opts"
	_ "github.com/joho/godotenv/autoload"
	"github.com/labstack/echo/v5"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/option"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shilvister/loom"
	"github.com/shilvister/loom/internal/broker"
	"github.com/shilvister/loom/pkg/slogx"
	"github.com/shilvister/loom/provider"
	"github.com/shilvister/loom/provider/anthropic"
	"github.com/shilvister/loom/provider/compat"
	"github.com/shilvister/loom/provider/gemini"
	"github.com/shilvister/loom/provider/grok"
	"github.com/shilvister/loom/provider/openai"
	"github.com/shilvister/loom/registry"
	"github.com/shilvister/loom/server"
	"github.com/shilvister/loom/store"
	"github.com/shilvister/loom/store/memstore"
	"github.com/shilvister/loom/store/mongo"
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log := zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: slog.LevelInfo}),
	))
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("loomd exited", slogx.Error(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loomd",
		Short:         "Streaming chat backend over multiple model providers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String("addr", ":8080", "listen address")
	flags.String("mongo-uri", "", "MongoDB connection string; empty runs the in-memory store")
	flags.String("mongo-db", "loom", "MongoDB database name")
	flags.String("nats-url", "", "NATS server URL; empty runs the in-process broker")
	flags.String("prompts-dir", "prompts", "directory holding the prompt text files")
	flags.String("upload-root", "uploads", "directory user uploads are read from")
	flags.String("mcp-config", "", "path to the MCP server catalog JSON")
	flags.String("alias-model", "", "model used for conversation alias generation")

	viper.SetEnvPrefix("LOOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(flags))

	return cmd
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapters, completer := buildAdapters()
	if len(adapters) == 0 {
		return errors.New("no provider API keys configured")
	}

	st, err := buildStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			slog.Warn("store close", slogx.Error(err))
		}
	}()

	brk, err := buildBroker()
	if err != nil {
		return err
	}

	reg := registry.Empty()
	if path := viper.GetString("mcp-config"); path != "" {
		if reg, err = registry.Load(path); err != nil {
			return fmt.Errorf("mcp catalog: %w", err)
		}
		slog.Info("mcp catalog loaded", slog.Int("servers", reg.Len()))
	}

	engineOpts := []opts.Option[loom.Engine]{
		loom.WithRegistry(reg),
		loom.WithBroker(brk),
		loom.WithPrompts(loom.LoadPrompts(viper.GetString("prompts-dir"))),
		loom.WithUploadRoot(viper.GetString("upload-root")),
	}
	if completer != nil {
		engineOpts = append(engineOpts, loom.WithCompleter(completer))
	}
	if model := viper.GetString("alias-model"); model != "" {
		engineOpts = append(engineOpts, loom.WithAliasModel(model))
	}

	engine, err := loom.New(adapters, st, engineOpts...)
	if err != nil {
		return err
	}
	slog.Info("engine ready", slog.Any("providers", engine.Providers()))

	srv, err := server.New(engine)
	if err != nil {
		return err
	}
	e := echo.New()
	srv.Routes(e)

	httpSrv := &http.Server{
		Addr:              viper.GetString("addr"),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		slog.Info("listening", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// buildAdapters brings up one adapter per configured API key. Gemini doubles
// as the completer for alias generation when present.
func buildAdapters() ([]provider.Adapter, provider.Completer) {
	var (
		adapters  []provider.Adapter
		completer provider.Completer
	)
	add := func(a provider.Adapter, err error, name string) {
		if err != nil {
			slog.Warn("provider disabled", slog.String("provider", name), slogx.Error(err))
			return
		}
		adapters = append(adapters, a)
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := anthropic.New(key)
		add(p, err, "anthropic")
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, err := openai.New(key)
		add(p, err, "openai")
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		p, err := gemini.New(key)
		add(p, err, "gemini")
		if err == nil {
			completer = p
		}
	}
	if key := os.Getenv("XAI_API_KEY"); key != "" {
		p, err := grok.New(key)
		add(p, err, "grok")
	}
	if key := os.Getenv("DEEPSEEK_API_KEY"); key != "" {
		adapters = append(adapters, compat.New("deepseek",
			option.WithAPIKey(key),
			option.WithBaseURL("https://api.deepseek.com/v1"),
		))
	}
	if key := os.Getenv("MISTRAL_API_KEY"); key != "" {
		adapters = append(adapters, compat.New("mistral",
			option.WithAPIKey(key),
			option.WithBaseURL("https://api.mistral.ai/v1"),
		))
	}
	return adapters, completer
}

func buildStore(ctx context.Context) (store.Store, error) {
	uri := viper.GetString("mongo-uri")
	if uri == "" {
		slog.Warn("no mongo-uri configured, conversations live in memory only")
		return memstore.New(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	st, err := mongo.Connect(connectCtx, uri, viper.GetString("mongo-db"))
	if err != nil {
		return nil, fmt.Errorf("mongo: %w", err)
	}
	return st, nil
}

func buildBroker() (broker.Broker, error) {
	url := viper.GetString("nats-url")
	if url == "" {
		return broker.Local(), nil
	}
	nc, err := nats.Connect(url, nats.Name("loomd"))
	if err != nil {
		return nil, fmt.Errorf("nats: %w", err)
	}
	return broker.NATS(nc), nil
}
