package cors

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	allowMethods  = "GET, POST, PUT, DELETE, OPTIONS"
	allowHeaders  = "Content-Type, Accept, X-Requested-With, X-Request-ID"
	exposeHeaders = "X-Request-ID, Content-Disposition"
	maxAge        = "600"
)

// New returns CORS middleware for the console gateway. An empty origin list
// allows any origin without credentials; a listed origin is echoed back with
// credentials allowed.
func New(allowedOrigins []string) gin.HandlerFunc {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			originSet[strings.ToLower(origin)] = struct{}{}
		}
	}
	allowAll := len(originSet) == 0

	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Add("Vary", "Origin")

		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			header.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed(originSet, origin):
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Access-Control-Allow-Credentials", "true")
		case c.Request.Method == http.MethodOptions && origin != "":
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		header.Set("Access-Control-Expose-Headers", exposeHeaders)
		if c.Request.Method == http.MethodOptions {
			header.Set("Access-Control-Allow-Methods", allowMethods)
			header.Set("Access-Control-Allow-Headers", allowHeaders)
			header.Set("Access-Control-Max-Age", maxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func allowed(originSet map[string]struct{}, origin string) bool {
	_, ok := originSet[strings.ToLower(strings.TrimRight(origin, "/"))]
	return ok
}
