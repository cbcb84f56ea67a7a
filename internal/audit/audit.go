package audit

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Event is one structured audit record. Admin actions move money and
// approve payments, so every admin request is recorded regardless of
// outcome.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	Details   any       `json:"details,omitempty"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

// Middleware records every request passing through the wrapped router.
// Mount it on the admin subrouter, after authentication has populated the
// request context.
func (a *Logger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorID, _ := r.Context().Value("accountID").(string)
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		a.log(Event{
			Timestamp: time.Now(),
			ActorID:   actorID,
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
		})
	})
}

// LogAction records an out-of-band admin action with free-form details.
func (a *Logger) LogAction(actorID, action string, details any) {
	a.log(Event{
		Timestamp: time.Now(),
		ActorID:   actorID,
		Method:    action,
		Details:   details,
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
