package relay

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mobilebarber/support-rtc/config"
	"github.com/mobilebarber/support-rtc/internal/middleware"
	"github.com/mobilebarber/support-rtc/internal/protocol"
)

// adminUserID is the fixed identity of the single administrator session.
const adminUserID = "admin"

// LoginRequest is the body of POST /api/auth/login. Clients only need a
// display name; the admin must present the configured password.
type LoginRequest struct {
	Name     string `json:"name" binding:"required"`
	Role     string `json:"role"`
	Password string `json:"password"`
}

// LoginResponse carries the bearer token used for both the REST API and
// the support WebSocket.
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a signed JWT for a support session.
func Login(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
			return
		}

		role := protocol.RoleClient
		userID := uuid.New().String()

		if strings.EqualFold(req.Role, string(protocol.RoleAdmin)) {
			if cfg.AdminPassword == "" || req.Password != cfg.AdminPassword {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin credentials"})
				return
			}
			role = protocol.RoleAdmin
			userID = adminUserID
		}

		claims := &middleware.Claims{
			UserID: userID,
			Role:   role,
			Name:   req.Name,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
			},
		}

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(cfg.JWTSecret))
		if err != nil {
			log.Printf("RELAY: token signing failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  signed,
			UserID: userID,
			Role:   string(role),
		})
	}
}
