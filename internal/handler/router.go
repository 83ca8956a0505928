package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/helpdesk/backend/internal/handler/account"
	"github.com/zhouzirui/helpdesk/backend/internal/handler/chat"
	"github.com/zhouzirui/helpdesk/backend/internal/handler/gateway"
	middlewarePkg "github.com/zhouzirui/helpdesk/backend/internal/middleware"
	"github.com/zhouzirui/helpdesk/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(accounts account.Accounts, logs chat.LogReader, gw *gateway.Handler, tokens middlewarePkg.TokenParser, origins *middlewarePkg.Origins) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(origins))

	accountHandler := account.New(accounts)
	chatHandler := chat.New(logs)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Relay transport; authenticates via the token query parameter.
	gw.RegisterWebSocketRoutes(r)

	r.Route("/api", func(api chi.Router) {
		accountHandler.RegisterPublicRoutes(api)

		api.Group(func(admin chi.Router) {
			admin.Use(middlewarePkg.Authenticate(tokens))
			admin.Use(middlewarePkg.RequireAdmin)

			accountHandler.RegisterAdminRoutes(admin)
			chatHandler.RegisterRoutes(admin)
			gw.RegisterFeedRoutes(admin)
		})
	})

	return r
}
