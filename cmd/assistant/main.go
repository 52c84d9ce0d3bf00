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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/pflag"

	"github.com/zhouzirui/sop-assistant/internal/config"
	"github.com/zhouzirui/sop-assistant/internal/handler"
	knowledgeHandler "github.com/zhouzirui/sop-assistant/internal/handler/knowledge"
	"github.com/zhouzirui/sop-assistant/internal/logging"
	"github.com/zhouzirui/sop-assistant/internal/service/ai"
	"github.com/zhouzirui/sop-assistant/internal/service/assistant"
	"github.com/zhouzirui/sop-assistant/internal/service/chat"
	"github.com/zhouzirui/sop-assistant/internal/service/knowledge"
	"github.com/zhouzirui/sop-assistant/internal/transport/matrix"
	"github.com/zhouzirui/sop-assistant/internal/transport/slack"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML 配置文件路径")
	envFile := pflag.String("env-file", ".env", "启动前加载的 dotenv 文件")
	serveHTTP := pflag.Bool("http", true, "是否提供 HTTP API")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load(*envFile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	log.Logger = logger
	if envErr != nil {
		logger.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}

	sessions := chat.NewService(
		chat.WithMaxHistory(cfg.Session.MaxHistory),
		chat.WithTTL(cfg.Session.TTL),
		chat.WithLogger(logger),
	)

	retriever, reloader := loadKnowledge(cfg.Knowledge, logger)

	pipeline, err := newPipeline(ctx, cfg, sessions, retriever, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
	}

	var dispatcher *assistant.Dispatcher
	if pipeline != nil {
		dispatcher = assistant.NewDispatcher(ctx, pipeline, cfg.Dispatch.Workers, logger)
	}

	var wg conc.WaitGroup
	started := 0

	if cfg.Session.SweepInterval > 0 {
		wg.Go(func() { sessions.Run(ctx, cfg.Session.SweepInterval) })
	}

	if dispatcher != nil && cfg.Slack.Enabled() {
		client := slack.New(cfg.Slack, dispatcher, logger)
		started++
		wg.Go(func() {
			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("slack transport stopped")
			}
		})
	}

	if dispatcher != nil && cfg.Matrix.Enabled() {
		client, err := matrix.New(cfg.Matrix, dispatcher, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to initialize matrix transport")
		} else {
			started++
			wg.Go(func() {
				if err := client.Run(ctx); err != nil {
					logger.Error().Err(err).Msg("matrix transport stopped")
				}
			})
		}
	}

	if *serveHTTP {
		router := handler.NewRouter(sessions, pipeline, reloader, logger)
		started++
		wg.Go(func() { startServer(ctx, cfg.Server, router, logger) })
	}

	if started == 0 {
		logger.Error().Msg("no transport enabled; configure Slack or Matrix credentials or pass --http")
		stop()
	}

	wg.Wait()
	if dispatcher != nil {
		dispatcher.Close()
	}
	logger.Info().Msg("shutdown complete")
}

func loadKnowledge(cfg config.KnowledgeConfig, logger zerolog.Logger) (*knowledge.Retriever, knowledgeHandler.Reloader) {
	if cfg.Dir == "" {
		logger.Info().Msg("knowledge directory not configured, answering without retrieval")
		return nil, nil
	}

	retriever, err := knowledge.NewRetriever(cfg.Dir, cfg.TopK, logger)
	if err != nil {
		logger.Warn().Err(err).Str("dir", cfg.Dir).Msg("failed to load knowledge base, answering without retrieval")
		return nil, nil
	}
	return retriever, retriever
}

func newPipeline(ctx context.Context, cfg *config.Config, sessions *chat.Service, retriever *knowledge.Retriever, logger zerolog.Logger) (*assistant.Pipeline, error) {
	if !cfg.AI.Enabled() {
		return nil, errors.New("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		return nil, err
	}

	opts := []ai.Option{ai.WithLogger(logger)}
	if retriever != nil {
		opts = append(opts, ai.WithRetriever(retriever))
	}
	aiService, err := ai.NewService(ctx, chatModel, cfg.AI, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("model", cfg.AI.Model).Bool("stream", cfg.AI.StreamResponse).Msg("AI service initialized successfully")

	return assistant.NewPipeline(sessions, aiService, assistant.Config{
		MaxFragmentLen: cfg.Delivery.MaxFragmentLen,
		ErrorReply:     cfg.Delivery.ErrorReply,
		AnswerTimeout:  cfg.AI.Timeout,
	}, logger), nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger zerolog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("SOP assistant listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Error().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
