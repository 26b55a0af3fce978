package middleware

import (
	"context"
	"strings"

	"smallbiznis-licensing/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const UserIDHeader = "X-USER-ID"

type userKey struct{}

// Identity copies the caller identity, set by the authenticating proxy, into
// the request context.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID == "" {
			_ = c.Error(errutil.Unauthorized("missing "+UserIDHeader+" header", nil))
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userKey{}).(string)
	return v
}
