package handler

import (
	"github.com/gin-gonic/gin"

	"ragdesk/internal/transport/http/middleware"
	"ragdesk/internal/transport/http/response"
)

// Profile echoes the identity carried by the bearer token.
func Profile(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	body := gin.H{"user_id": userID}
	if claims, ok := middleware.Claims(c); ok {
		body["email"] = claims.Email
		if claims.Role != "" {
			body["role"] = claims.Role
		}
	}
	response.OK(c, body)
}
