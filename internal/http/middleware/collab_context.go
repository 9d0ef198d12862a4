package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/brainstorm-realtime/internal/platform/ctxutil"
)

const (
	headerParticipantID = "X-Participant-Id"
	queryParticipantID  = "participant_id"
)

// AttachCollabContext records the session from the :id path param and the
// caller's participant id. EventSource cannot set headers, so the query
// string is accepted as well.
func AttachCollabContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		participant := strings.TrimSpace(c.GetHeader(headerParticipantID))
		if participant == "" {
			participant = strings.TrimSpace(c.Query(queryParticipantID))
		}
		cd := &ctxutil.CollabData{
			SessionID:     strings.TrimSpace(c.Param("id")),
			ParticipantID: participant,
		}
		ctx := ctxutil.WithCollabData(c.Request.Context(), cd)
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("brainstorm.session_id", cd.SessionID),
			attribute.String("brainstorm.participant_id", cd.ParticipantID),
		)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
