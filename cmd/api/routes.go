package main

import (
	"switchboard/internal/httpapi"
	"switchboard/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Sign-in issues tokens; everything else requires one.
	r.POST("/v1/operators/signin", h.OperatorSignin)
	r.POST("/v1/kiosks/signin", h.KioskSignin)

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		// OPERATOR routes
		operators := v1.Group("/operators")
		operators.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			operators.POST("/availability", h.SetAvailability)
			operators.GET("/queue/watch", h.WatchQueue)
		}

		// CALL routes. Creating and watching a call is the kiosk's
		// side; accept/decline/forward belong to operators; either
		// side may end.
		calls := v1.Group("/calls")
		{
			calls.POST("", rbac.RequireAnyRole(rbac.RoleKiosk), h.RequestCall)
			calls.GET("/:id/watch", rbac.RequireAnyRole(rbac.RoleKiosk), h.WatchCall)
			calls.POST("/:id/accept", rbac.RequireAnyRole(rbac.RoleOperator), h.AcceptCall)
			calls.POST("/:id/decline", rbac.RequireAnyRole(rbac.RoleOperator), h.DeclineCall)
			calls.POST("/:id/forward", rbac.RequireAnyRole(rbac.RoleOperator), h.ForwardCall)
			calls.POST("/:id/end", rbac.RequireAnyRole(rbac.RoleKiosk, rbac.RoleOperator), h.EndCall)
		}

		// CONFERENCE routes (operators only; the primary caller never
		// joins the roster, its media leg stays on the host).
		conferences := v1.Group("/conferences")
		conferences.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			conferences.POST("/:id/invite", h.InviteToConference)
			conferences.GET("/:id/roster", h.ConferenceRoster)
			conferences.POST("/:id/leave", h.LeaveConference)
			conferences.POST("/:id/media", h.SetConferenceMedia)
			conferences.POST("/:id/participants/:operator_id/remove", h.RemoveFromConference)
		}
		invitations := v1.Group("/invitations")
		invitations.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			invitations.POST("/:id/accept", h.AcceptInvitation)
			invitations.POST("/:id/decline", h.DeclineInvitation)
		}

		// AUDIT routes (ops only).
		auditGroup := v1.Group("/audit")
		auditGroup.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			auditGroup.GET("/recent", h.RecentAuditEvents)
		}

		// TRANSCRIPT routes. Kiosks write while waiting; operators
		// read on pickup.
		sessions := v1.Group("/sessions")
		sessions.Use(rbac.RequireAnyRole(rbac.RoleKiosk, rbac.RoleOperator))
		{
			sessions.POST("/:id/messages", h.AppendChatMessage)
			sessions.GET("/:id/messages", h.GetChatHistory)
		}
	}
}
