package middleware

import (
	"github.com/gin-gonic/gin"
)

// RouteOpt carries per-route options. Auth, when set, runs before the
// handler.
type RouteOpt struct {
	Auth gin.HandlerFunc
}

func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.Auth != nil {
		r.POST(path, opt.Auth, handler)
		return
	}
	r.POST(path, handler)
}

func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.Auth != nil {
		r.GET(path, opt.Auth, handler)
		return
	}
	r.GET(path, handler)
}
