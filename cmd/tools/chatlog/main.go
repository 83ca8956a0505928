package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/helpdesk/backend/internal/config"
	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
	"github.com/zhouzirui/helpdesk/backend/internal/service/conversation"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	dir := flag.String("dir", cfg.Storage.ChatDir, "会话日志目录，默认读取 CHAT_DIR")
	username := flag.String("user", "", "要打印的用户名，留空则列出所有日志")
	day := flag.String("day", time.Now().UTC().Format(chat.DayLayout), "日期 (YYYY-MM-DD, UTC)")
	flag.Parse()

	store, err := conversation.NewFileStore(*dir)
	if err != nil {
		log.Fatalf("打开日志目录失败: %v", err)
	}
	defer store.Close()

	if err := run(context.Background(), os.Stdout, store, *username, *day); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(ctx context.Context, out io.Writer, store *conversation.FileStore, username, day string) error {
	if username == "" {
		keys, err := store.Keys(ctx)
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Fprintf(out, "%s\t%s\t%s\n", key.Day, key.Identity, conversation.FileName(key))
		}
		return nil
	}

	key := chat.ConversationKey{Identity: username, Day: day}
	if err := key.Validate(); err != nil {
		return err
	}
	entries, err := store.ReadAll(ctx, key)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(out, "no messages for %s on %s\n", username, day)
		return nil
	}
	for _, entry := range entries {
		fmt.Fprintln(out, entry.Line())
	}
	return nil
}
