package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
)

// TransactionAttributes returns middleware that tags the New Relic
// transaction started by nrgin with the acting user and session.
func TransactionAttributes(actorHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		txn := nrgin.Transaction(c)
		if txn == nil {
			c.Next()
			return
		}

		if actor := c.GetHeader(actorHeader); actor != "" {
			txn.AddAttribute("user_id", actor)
		}
		if strings.HasPrefix(c.FullPath(), "/v1/sessions/:id") {
			txn.AddAttribute("session_id", c.Param("id"))
		}

		c.Next()

		// Record error if present.
		for _, err := range c.Errors {
			txn.NoticeError(err.Err)
		}
	}
}
