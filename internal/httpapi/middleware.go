package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/yungbote/fhirqueue/internal/platform/ctxutil"
)

// CORS mirrors the teacher's CORS middleware; the control API has no
// browser client today, but kept for the same reason the teacher kept
// it everywhere -- a future operator console is a browser client.
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
}

// AttachRequestContext stamps a request id into both the gin context
// and the request's context.Context, the way the teacher's
// AttachRequestContext seeds ctxutil.TraceData before any handler runs.
func AttachRequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set("trace_id", requestID)
		ctx := ctxutil.WithTraceData(c.Request.Context(), &ctxutil.TraceData{RequestID: requestID})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// OperatorClaims is the control-plane token's claims shape -- just a
// subject identifying the operator, mirroring the teacher's JWTClaims
// but without a user/token-repo lookup: the control API trusts any
// token signed with the shared secret, not a revocable session.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// RequireBearerToken guards every route behind an HS256 bearer token,
// the way the teacher's AuthMiddleware.RequireAuth extracts and
// verifies a JWT before letting a request through.
func RequireBearerToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing bearer token", "code": "unauthorized"},
			})
			return
		}
		parsed, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid or expired token", "code": "unauthorized"},
			})
			return
		}
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}
