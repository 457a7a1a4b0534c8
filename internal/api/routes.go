package api

import (
	"github.com/gin-gonic/gin"

	"relay-service/internal/websocket"
)

// SetupRoutes configures the WebSocket endpoint, the push ingestion endpoint
// and the introspection API.
func SetupRoutes(router *gin.Engine, handler *Handler, hub *websocket.Hub, apiSecret string) {
	router.GET("/", handler.GetRoot)

	router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWS(hub, c.Writer, c.Request)
	})

	apps := router.Group("/apps", JWTAuth(apiSecret))
	{
		apps.GET("/:appId/status", handler.GetStatus)
		apps.GET("/:appId/channels", handler.GetChannels)
		apps.GET("/:appId/channels/:channelName", handler.GetChannel)
		apps.GET("/:appId/channels/:channelName/users", handler.GetChannelUsers)
		apps.POST("/:appId/events", handler.PostEvent)
	}
}
