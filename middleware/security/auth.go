package security

import (
	"net/http"
	"strings"

	"ChatRelay/tools/errs"
	"ChatRelay/tools/security"

	"github.com/gin-gonic/gin"
)

// Context key the verified identity is stored under. Downstream handlers
// read it through UserID.
const CtxUserIDKey = "authUserId"

type Options struct {
	Secret []byte

	CookieName                string // default "session"
	EnableAuthorizationBearer bool   // default true
}

func DefaultOptions(secret []byte) *Options {
	return &Options{
		Secret:                    secret,
		CookieName:                "session",
		EnableAuthorizationBearer: true,
	}
}

// Middleware resolves the caller to a verified user id before any relay or
// chat handler runs. Token comes from the session cookie or, when enabled,
// an Authorization bearer header.
func Middleware(opts *Options) gin.HandlerFunc {
	if opts.CookieName == "" {
		opts.CookieName = "session"
	}
	return func(c *gin.Context) {
		var token string
		if opts.EnableAuthorizationBearer {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
				if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
					token = strings.TrimSpace(authz[len("bearer "):])
				}
			}
		}
		if token == "" {
			if v, err := c.Cookie(opts.CookieName); err == nil {
				token = strings.TrimSpace(v)
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenExpired)
			return
		}

		userID, err := security.Verify(security.DefaultOptions(opts.Secret), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrTokenExpired)
			return
		}

		c.Set(CtxUserIDKey, userID)
		c.Next()
	}
}

// UserID reads the verified identity set by Middleware.
func UserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(CtxUserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
