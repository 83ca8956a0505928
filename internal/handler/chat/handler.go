package chat

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
	"github.com/zhouzirui/helpdesk/backend/internal/service/conversation"
	"github.com/zhouzirui/helpdesk/backend/pkg/utils"
)

// LogReader 只读访问会话日志
type LogReader interface {
	Keys(ctx context.Context) ([]chat.ConversationKey, error)
	ReadAll(ctx context.Context, key chat.ConversationKey) ([]chat.LogEntry, error)
}

// Handler 会话日志的HTTP处理器
type Handler struct {
	logs LogReader
	now  func() time.Time
}

// New 创建会话日志处理器
func New(logs LogReader) *Handler {
	return &Handler{
		logs: logs,
		now:  time.Now,
	}
}

// RegisterRoutes 注册会话日志路由，调用方需先挂载管理员鉴权
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats", h.handleListChats)
	r.Get("/chats/{username}", h.handleGetChat)
}

type chatLog struct {
	FileName string   `json:"fileName"`
	Username string   `json:"username"`
	Day      string   `json:"day"`
	Content  []string `json:"content"`
}

// handleListChats 返回所有已保存的会话日志
func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	keys, err := h.logs.Keys(r.Context())
	if err != nil {
		log.Printf("[chats] list logs failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "Error reading chats")
		return
	}

	chats := make([]chatLog, 0, len(keys))
	for _, key := range keys {
		entries, err := h.logs.ReadAll(r.Context(), key)
		if err != nil {
			log.Printf("[chats] read %s failed: %v", key, err)
			utils.RespondError(w, http.StatusInternalServerError, "Error reading chats")
			return
		}
		chats = append(chats, chatLog{
			FileName: conversation.FileName(key),
			Username: key.Identity,
			Day:      key.Day,
			Content:  renderLines(entries),
		})
	}

	utils.RespondJSON(w, http.StatusOK, chats)
}

// handleGetChat 返回某个用户某一天的会话，day 缺省为今天(UTC)
func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	key := chat.KeyAt(chi.URLParam(r, "username"), h.now())
	if day := r.URL.Query().Get("day"); day != "" {
		key.Day = day
	}
	if err := key.Validate(); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.logs.ReadAll(r.Context(), key)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chat.ErrInvalidIdentity) || errors.Is(err, chat.ErrInvalidDay) {
			status = http.StatusBadRequest
		}
		log.Printf("[chats] read %s failed: %v", key, err)
		utils.RespondError(w, status, "Error reading chat")
		return
	}

	utils.RespondJSON(w, http.StatusOK, chat.History{
		Username: key.Identity,
		Day:      key.Day,
		History:  renderLines(entries),
	})
}

func renderLines(entries []chat.LogEntry) []string {
	return lo.Map(entries, func(entry chat.LogEntry, _ int) string { return entry.Line() })
}
