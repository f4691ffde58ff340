package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/handlers"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/api/middleware"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/appointments"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/auth"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/chat"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/notifications"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/pipeline"
	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/realtime"
)

// authRateLimit caps credential endpoints per IP per minute.
const authRateLimit = 20

// sendRateLimit caps outbound chat messages per user per minute.
const sendRateLimit = 60

type Router struct {
	chi.Router
}

type RouterConfig struct {
	DB           *gorm.DB
	Redis        *redis.Client // optional; only used by /health
	Logger       *slog.Logger
	JWTService   *auth.JWTService
	AuthService  *auth.Service
	Invitations  *auth.InvitationService
	Members      *auth.MemberService
	Pipeline     *pipeline.Service
	Tracker      *notifications.Tracker
	Appointments *appointments.Service
	Chat         *chat.Service
	Realtime     *realtime.Server

	WebhookVerifyToken string
	WebhookAppSecret   string

	AllowedOrigins []string // CORS allowed origins
	RateLimitReqs  int      // Rate limit requests per window
	RateLimitSecs  int      // Rate limit window in seconds
}

func NewRouter(cfg RouterConfig) *Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))

	allowedOrigins := cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Auth-Token"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if cfg.RateLimitReqs > 0 {
		r.Use(middleware.RateLimit(cfg.RateLimitReqs, cfg.RateLimitSecs))
	}

	users := cfg.AuthService
	if users == nil {
		users = auth.NewService(cfg.DB, cfg.JWTService)
	}

	healthHandler := handlers.NewHealthHandler(cfg.DB, cfg.Redis)
	authHandler := handlers.NewAuthHandler(cfg.AuthService)
	teamHandler := handlers.NewTeamHandler(cfg.Invitations, cfg.Members, cfg.Logger)
	contactHandler := handlers.NewContactHandler(cfg.DB, cfg.Pipeline)
	serviceHandler := handlers.NewServiceHandler(cfg.DB)
	appointmentHandler := handlers.NewAppointmentHandler(cfg.Appointments)
	funnelHandler := handlers.NewFunnelHandler(cfg.Pipeline)
	notificationHandler := handlers.NewNotificationHandler(cfg.Tracker)
	chatHandler := handlers.NewChatHandler(cfg.Chat, cfg.Logger)
	webhookHandler := handlers.NewWebhookHandler(cfg.Chat, cfg.WebhookVerifyToken, cfg.WebhookAppSecret, cfg.Logger)
	dashboardHandler := handlers.NewDashboardHandler(cfg.DB)

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Provider callbacks authenticate by signature
	r.Get("/webhooks/meta", webhookHandler.Verify)
	r.Post("/webhooks/meta", webhookHandler.Receive)

	r.Route("/api/v1", func(r chi.Router) {
		// Public auth endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(authRateLimit, 60))
			r.Post("/auth/register", authHandler.Register)
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/invitations/accept", teamHandler.AcceptInvitation)
		})
		r.Post("/auth/logout", authHandler.Logout)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTService, users))

			r.Get("/me", authHandler.Me)

			if cfg.Realtime != nil {
				r.Get("/realtime", handlers.NewRealtimeHandler(cfg.Realtime).Connect)
			}

			r.Get("/dashboard/stats", dashboardHandler.Stats)

			r.Get("/members", teamHandler.ListMembers)
			r.With(middleware.RequireAdmin()).Patch("/members/{id}", teamHandler.UpdateMember)

			r.Route("/invitations", func(r chi.Router) {
				r.Use(middleware.RequireAdmin())
				r.Get("/", teamHandler.ListInvitations)
				r.Post("/", teamHandler.Invite)
				r.Delete("/{id}", teamHandler.RevokeInvitation)
			})

			r.Route("/contacts", func(r chi.Router) {
				r.Get("/", contactHandler.List)
				r.Post("/", contactHandler.Create)
				r.Get("/{id}", contactHandler.Get)
				r.Patch("/{id}", contactHandler.Update)
				r.Delete("/{id}", contactHandler.Delete)
			})

			r.Route("/services", func(r chi.Router) {
				r.Get("/", serviceHandler.List)
				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireAdmin())
					r.Post("/", serviceHandler.Create)
					r.Patch("/{id}", serviceHandler.Update)
					r.Delete("/{id}", serviceHandler.Delete)
				})
			})

			r.Route("/appointments", func(r chi.Router) {
				r.Get("/", appointmentHandler.List)
				r.Post("/", appointmentHandler.Create)
				r.Get("/{id}", appointmentHandler.Get)
				r.Patch("/{id}", appointmentHandler.Update)
				r.Delete("/{id}", appointmentHandler.Delete)
			})

			// Funnel structure changes are checked for admin in the pipeline.
			r.Route("/funnels", func(r chi.Router) {
				r.Get("/", funnelHandler.List)
				r.Post("/", funnelHandler.Create)
				r.Put("/reorder", funnelHandler.Reorder)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", funnelHandler.Get)
					r.Patch("/", funnelHandler.Update)
					r.Delete("/", funnelHandler.Delete)
					r.Get("/board", funnelHandler.Board)
					r.Post("/contacts", funnelHandler.AddContact)
					r.Post("/stages", funnelHandler.CreateStage)
					r.Put("/stages/reorder", funnelHandler.ReorderStages)
					r.Patch("/stages/{stageID}", funnelHandler.UpdateStage)
					r.Delete("/stages/{stageID}", funnelHandler.DeleteStage)
				})
			})
			r.Delete("/funnel-contacts/{id}", funnelHandler.RemoveContact)
			r.Put("/funnel-contacts/{id}/move", funnelHandler.MoveContact)

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", notificationHandler.List)
				r.Get("/unread-count", notificationHandler.UnreadCount)
				r.Put("/read-all", notificationHandler.MarkAllAsRead)
				r.Put("/{id}/read", notificationHandler.MarkAsRead)
			})

			r.Route("/chat", func(r chi.Router) {
				r.Route("/connections", func(r chi.Router) {
					r.Get("/", chatHandler.ListConnections)
					r.Group(func(r chi.Router) {
						r.Use(middleware.RequireAdmin())
						r.Post("/", chatHandler.CreateConnection)
						r.Patch("/{id}", chatHandler.UpdateConnection)
						r.Delete("/{id}", chatHandler.DeleteConnection)
					})
				})
				r.Get("/conversations", chatHandler.ListConversations)
				r.Get("/conversations/{id}/messages", chatHandler.Messages)
				r.With(middleware.RateLimitByUser(sendRateLimit, 60)).Post("/conversations/{id}/messages", chatHandler.Send)
				r.Put("/conversations/{id}/read", chatHandler.MarkRead)
				r.Post("/attachments", chatHandler.Upload)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not found", http.StatusNotFound)
	})

	return &Router{r}
}
