package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/zhouzirui/sop-assistant/internal/config"
	"github.com/zhouzirui/sop-assistant/internal/logging"
	"github.com/zhouzirui/sop-assistant/internal/model/chat"
	"github.com/zhouzirui/sop-assistant/internal/service/ai"
	"github.com/zhouzirui/sop-assistant/internal/service/assistant"
	chatservice "github.com/zhouzirui/sop-assistant/internal/service/chat"
	"github.com/zhouzirui/sop-assistant/internal/service/knowledge"
	"github.com/zhouzirui/sop-assistant/pkg/utils"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML 配置文件路径")
	envFile := pflag.String("env-file", ".env", "启动前加载的 dotenv 文件")
	channel := pflag.String("channel", "console", "模拟的频道 ID")
	newThread := pflag.Bool("new-thread", false, "每一行都开启新的对话线程")
	showDeltas := pflag.Bool("deltas", false, "流式输出时打印增量内容")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] 无法加载 %s，改用系统环境变量: %v\n", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	if !cfg.AI.Enabled() {
		logger.Fatal().Msg("AI 未启用，请先配置 ARK_API_KEY 或 ARK_ACCESS_KEY/ARK_SECRET_KEY 以及 ARK_MODEL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pipeline, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化失败")
	}

	session := &consoleSession{
		pipeline:   pipeline,
		channel:    *channel,
		newThread:  *newThread,
		showDeltas: *showDeltas,
		out:        os.Stdout,
		now:        time.Now,
	}
	if err := session.run(ctx, os.Stdin); err != nil {
		logger.Fatal().Err(err).Msg("读取输入失败")
	}
}

func buildPipeline(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*assistant.Pipeline, error) {
	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		return nil, err
	}

	var opts []ai.Option
	opts = append(opts, ai.WithLogger(logger))
	if cfg.Knowledge.Dir != "" {
		retriever, err := knowledge.NewRetriever(cfg.Knowledge.Dir, cfg.Knowledge.TopK, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ai.WithRetriever(retriever))
	}

	aiService, err := ai.NewService(ctx, chatModel, cfg.AI, opts...)
	if err != nil {
		return nil, err
	}

	sessions := chatservice.NewService(
		chatservice.WithMaxHistory(cfg.Session.MaxHistory),
		chatservice.WithTTL(cfg.Session.TTL),
		chatservice.WithLogger(logger),
	)
	return assistant.NewPipeline(sessions, aiService, assistant.Config{
		MaxFragmentLen: cfg.Delivery.MaxFragmentLen,
		ErrorReply:     cfg.Delivery.ErrorReply,
		AnswerTimeout:  cfg.AI.Timeout,
	}, logger), nil
}

// consoleSession 把标准输入的每一行当作一条消息。
type consoleSession struct {
	pipeline   *assistant.Pipeline
	channel    string
	newThread  bool
	showDeltas bool
	out        io.Writer
	now        func() time.Time

	threadRoot string
}

func (s *consoleSession) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprint(s.out, "> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		s.handleLine(ctx, strings.TrimSpace(scanner.Text()))
		fmt.Fprint(s.out, "> ")
	}
	return scanner.Err()
}

func (s *consoleSession) handleLine(ctx context.Context, line string) {
	switch line {
	case "":
		return
	case "/new":
		s.threadRoot = ""
		fmt.Fprintln(s.out, "(新线程)")
		return
	case "/history":
		s.printHistory()
		return
	}

	event := chat.InboundEvent{
		Text:    line,
		Channel: s.channel,
		TS:      utils.MessageTS(s.now()),
		Source:  "console",
	}
	if !s.newThread && s.threadRoot != "" {
		event.ThreadTS = s.threadRoot
	}

	var observers []assistant.DeltaObserver
	if s.showDeltas {
		observers = append(observers, assistant.DeltaFunc(func(text string) {
			fmt.Fprint(s.out, text)
		}))
	}

	printer := assistant.ReplierFunc(func(_ context.Context, reply chat.Reply) error {
		if s.showDeltas && reply.Index == 0 {
			fmt.Fprintln(s.out)
		}
		fmt.Fprintf(s.out, "[%d/%d] %s\n", reply.Index+1, reply.Total, reply.Text)
		return nil
	})

	if _, err := s.pipeline.Handle(ctx, event, printer, observers...); err != nil {
		fmt.Fprintf(s.out, "(错误) %v\n", err)
	}
	if !s.newThread && s.threadRoot == "" {
		s.threadRoot = event.ThreadRoot()
	}
}

func (s *consoleSession) printHistory() {
	if s.threadRoot == "" {
		fmt.Fprintln(s.out, "(暂无对话)")
		return
	}
	id, err := chat.InboundEvent{Channel: s.channel, TS: s.threadRoot}.ConversationID()
	if err != nil {
		fmt.Fprintf(s.out, "(错误) %v\n", err)
		return
	}
	history, ok := s.pipeline.Sessions().History(id)
	if !ok {
		fmt.Fprintln(s.out, "(会话已过期)")
		return
	}
	for _, turn := range history {
		fmt.Fprintf(s.out, "%s: %s\n", turn.Role, turn.Content)
	}
}
