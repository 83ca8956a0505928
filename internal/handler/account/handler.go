package account

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
	"github.com/zhouzirui/helpdesk/backend/internal/model/user"
	"github.com/zhouzirui/helpdesk/backend/internal/service/auth"
	"github.com/zhouzirui/helpdesk/backend/pkg/utils"
)

// Accounts 账号相关的认证能力
type Accounts interface {
	Login(ctx context.Context, username, password string) (auth.Result, string, time.Time, error)
	CreateUser(ctx context.Context, name, username, password string, isAdmin bool) (user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
}

// Handler 登录与账号管理的HTTP处理器
type Handler struct {
	accounts Accounts
}

// New 创建账号处理器
func New(accounts Accounts) *Handler {
	return &Handler{accounts: accounts}
}

// RegisterPublicRoutes 注册无需登录的路由
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
}

// RegisterAdminRoutes 注册管理员路由，调用方需先挂载鉴权中间件
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/users", h.handleCreateUser)
	r.Get("/users", h.handleListUsers)
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=72"`
}

// handleLogin 校验账号密码并签发会话令牌
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload loginRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	res, token, expires, err := h.accounts.Login(r.Context(), payload.Username, payload.Password)
	if err != nil {
		log.Printf("[auth] login for %q failed: %v", payload.Username, err)
		utils.RespondFailure(w, http.StatusInternalServerError, "login unavailable")
		return
	}
	if !res.OK {
		utils.RespondFailure(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"isAdmin":   res.IsAdmin,
		"token":     token,
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}

type createUserRequest struct {
	Name     string `json:"name" validate:"required,max=100"`
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// handleCreateUser 创建普通用户账号
func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var payload createUserRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.accounts.CreateUser(r.Context(), payload.Name, payload.Username, payload.Password, false)
	switch {
	case errors.Is(err, user.ErrUserExists):
		utils.RespondFailure(w, http.StatusConflict, "User already exists")
		return
	case errors.Is(err, chat.ErrInvalidIdentity):
		utils.RespondFailure(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, bcrypt.ErrPasswordTooLong):
		utils.RespondFailure(w, http.StatusBadRequest, "password must be at most 72 bytes")
		return
	case err != nil:
		log.Printf("[auth] create user %q failed: %v", payload.Username, err)
		utils.RespondFailure(w, http.StatusInternalServerError, "could not create user")
		return
	}

	log.Printf("[auth] created user %q", created.Username)
	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "User created successfully",
		"user":    created,
	})
}

// handleListUsers 列出所有账号
func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.accounts.ListUsers(r.Context())
	if err != nil {
		log.Printf("[auth] list users failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "could not list users")
		return
	}
	utils.RespondJSON(w, http.StatusOK, users)
}
