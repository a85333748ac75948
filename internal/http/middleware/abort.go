package middleware

import "github.com/gin-gonic/gin"

// abort stops the chain with the JSON error envelope the handlers also use.
func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": RequestIDFrom(c),
		"code":       code,
		"message":    message,
	})
}

func ctxString(c *gin.Context, key string) string {
	s, _ := c.Value(key).(string)
	return s
}

func ctxBool(c *gin.Context, key string) bool {
	b, _ := c.Value(key).(bool)
	return b
}
