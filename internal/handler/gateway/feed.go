package gateway

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zhouzirui/helpdesk/backend/internal/middleware"
	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
	"github.com/zhouzirui/helpdesk/backend/internal/service/session"
	"github.com/zhouzirui/helpdesk/backend/pkg/utils"
)

const feedHeartbeat = 15 * time.Second

// RegisterFeedRoutes 注册管理员活动流路由，调用方需先挂载鉴权中间件
func (h *Handler) RegisterFeedRoutes(r chi.Router) {
	r.Get("/activity", h.handleActivityFeed)
}

// handleActivityFeed 以 SSE 推送管理员可见的事件，连接本身只读
func (h *Handler) handleActivityFeed(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok || !claims.Admin {
		utils.RespondError(w, http.StatusForbidden, "admin only")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events := make(chan chat.Event, h.opts.SendBuffer)
	connectionID := uuid.NewString()
	h.sessions.Register(connectionID, chat.RoleAdmin, claims.Username, session.SubscriberFunc(func(event chat.Event) bool {
		select {
		case events <- event:
			return true
		default:
			log.Printf("[sse] feed %s is behind, dropping %s", connectionID, event.Type)
			return false
		}
	}))
	defer h.sessions.Unregister(connectionID)

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	log.Printf("[sse] opening activity feed %s for %s", connectionID, claims.Username)

	if err := utils.SendSSEEvent(w, flusher, chat.EventConnected, map[string]any{
		"connectionId": connectionID,
		"username":     claims.Username,
		"role":         chat.RoleAdmin,
	}); err != nil {
		return
	}

	ticker := time.NewTicker(feedHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] closing activity feed %s", connectionID)
			return
		case event := <-events:
			if err := utils.SendSSEEvent(w, flusher, event.Type, event.Data); err != nil {
				log.Printf("[sse] feed %s: %v", connectionID, err)
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}
