package middleware

import (
	"net/http"
	"strings"
)

// ActorHeader carries the ID of the user or moderator acting on a request.
// The gateway in front of the engine authenticates callers and sets it.
const ActorHeader = "X-Actor-ID"

// maxActorIDLen bounds header values copied into logs and audit records.
const maxActorIDLen = 128

// Actor stores the X-Actor-ID header value in the request context.
// Requests without the header proceed anonymously.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(ActorHeader))
		if id == "" || len(id) > maxActorIDLen {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetActorID(r.Context(), id)))
	})
}
