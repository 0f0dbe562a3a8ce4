package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/hearth/backend/internal/config"
	"github.com/zhouzirui/hearth/backend/internal/logging"
	chatmodel "github.com/zhouzirui/hearth/backend/internal/model/chat"
	"github.com/zhouzirui/hearth/backend/internal/service/ai"
	"github.com/zhouzirui/hearth/backend/internal/service/prompt"
	"github.com/zhouzirui/hearth/backend/internal/session"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	mode := flag.String("mode", "", "测试模式: token、verify 或 turn")
	user := flag.String("user", "", "token 模式下的用户名")
	conversation := flag.String("conversation", "", "token 模式下的会话 ID")
	token := flag.String("token", "", "verify 模式下待校验的令牌")
	text := flag.String("text", "", "turn 模式下发送给模型的用户消息")
	stream := flag.Bool("stream", true, "turn 模式下是否流式输出")
	timeout := flag.Duration("timeout", 2*time.Minute, "请求超时时间")

	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	codec, err := session.NewCodec(cfg.Session.Secret, cfg.Session.TTL)
	if err != nil {
		log.Fatalf("令牌编解码器初始化失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "token":
		runToken(codec, *user, *conversation)
	case "verify":
		runVerify(codec, *token)
	case "turn":
		runTurn(ctx, cfg, *text, *stream)
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=token、-mode=verify 或 -mode=turn 指定测试模式")
	}
}

func runToken(codec *session.Codec, user, conversation string) {
	if user == "" || conversation == "" {
		log.Fatal("token 模式需要 -user 与 -conversation")
	}
	tok, sess, err := codec.Issue(user, conversation)
	if err != nil {
		log.Fatalf("签发失败: %v", err)
	}
	fmt.Println(tok)
	log.Printf("[TOKEN] 用户=%s 会话=%s 过期=%s", sess.UserID, sess.ConversationID, sess.ExpiresAt.Format(time.RFC3339))
}

func runVerify(codec *session.Codec, tok string) {
	if tok == "" {
		log.Fatal("verify 模式需要 -token")
	}
	sess, err := codec.Verify(tok)
	if err != nil {
		log.Fatalf("校验失败: %v", err)
	}
	log.Printf("[VERIFY] 用户=%s 会话=%s 签发=%s 过期=%s",
		sess.UserID, sess.ConversationID, sess.IssuedAt.Format(time.RFC3339), sess.ExpiresAt.Format(time.RFC3339))
}

// runTurn 直接调用推理服务，不读写会话存储
func runTurn(ctx context.Context, cfg *config.Config, text string, stream bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		log.Fatal("turn 模式需要 -text")
	}

	logger, err := logging.New(logging.Config{Level: "debug", Format: "console"})
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		log.Fatalf("模型初始化失败: %v", err)
	}
	maxTokens := 0
	if cfg.AI.MaxTokens != nil {
		maxTokens = *cfg.AI.MaxTokens
	}
	client, err := ai.NewClient(ctx, chatModel, ai.Options{Timeout: cfg.AI.Timeout, MaxTokens: maxTokens, Logger: logger})
	if err != nil {
		log.Fatalf("推理链初始化失败: %v", err)
	}

	var history []chatmodel.Message
	if cfg.Chat.SystemMessage != "" {
		history = append(history, chatmodel.Message{Role: chatmodel.RoleSystem, Content: cfg.Chat.SystemMessage, Seq: 1})
	}
	history = append(history, chatmodel.Message{Role: chatmodel.RoleUser, Content: text, Seq: int64(len(history) + 1)})
	pc := prompt.Build(history, cfg.Chat.ContextBudget)

	start := time.Now()
	answer, err := client.Complete(ctx, pc, stream)
	if err != nil {
		log.Fatalf("推理失败: %v", err)
	}
	defer answer.Close()
	log.Printf("[TURN] 首个片段耗时 %s", time.Since(start))

	fragments := 0
	for {
		fragment, err := answer.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("读取片段失败: %v", err)
		}
		fragments++
		fmt.Print(fragment)
	}
	fmt.Println()
	log.Printf("[TURN] 完成: %d 个片段, 总耗时 %s", fragments, time.Since(start))
}
