package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brendanlong/burrow-runtime/internal/subscribe"
)

// streamLoop drains sub onto the response as server-sent events until the
// client disconnects or sub.Next reports the subscription was cancelled.
func (s *Server) streamLoop(c *gin.Context, sub *subscribe.Subscription) {
	defer sub.Cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		tagged, ok := sub.Next(c.Request.Context())
		if !ok {
			return false
		}
		c.SSEvent(tagged.Event.Type, tagged.Event.Data)
		return true
	})
}

func (s *Server) handleSSESessionUpdate(c *gin.Context) {
	sub, err := subscribe.OnSessionUpdate(s.bus, c.Param("id"), s.logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.streamLoop(c, sub)
}

func (s *Server) handleSSENewMessage(c *gin.Context) {
	sub, err := subscribe.OnNewMessage(s.bus, c.Param("id"), s.logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.streamLoop(c, sub)
}

func (s *Server) handleSSEAgentRunning(c *gin.Context) {
	sub, err := subscribe.OnAgentRunning(s.bus, c.Param("id"), s.logger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.streamLoop(c, sub)
}
