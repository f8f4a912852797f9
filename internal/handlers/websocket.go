package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/kiese-app/kiese-backend/internal/services"
)

// WebSocketHandler attaches a client or driver app to the event hub.
// Identity comes from query parameters; the apps pass the same phone
// they use everywhere else.
func WebSocketHandler(hub *services.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		phone := c.Query("phone")
		userType := c.DefaultQuery("type", "client")
		if phone == "" {
			c.JSON(400, gin.H{"error": "phone is required"})
			return
		}
		if userType != "client" && userType != "driver" {
			c.JSON(400, gin.H{"error": "type must be client or driver"})
			return
		}

		services.HandleWebSocket(hub, c.Writer, c.Request, phone, userType)
	}
}
