package transport

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/acadflow/internal/idempotency"
	"github.com/pitabwire/acadflow/internal/observability"
	"github.com/pitabwire/acadflow/model"
)

// IdempotencyKeyHeader carries the client-chosen retry key.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// Idempotency replays the stored response for a POST or PUT that repeats a
// previously successful X-Idempotency-Key from the same actor. Reusing a key
// with a different body is a CONFLICT. Store failures degrade to executing
// the request normally. A nil store disables the middleware.
func Idempotency(store idempotency.Store, ttl time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyKeyHeader)
			if clientKey == "" || (r.Method != http.MethodPost && r.Method != http.MethodPut) {
				next.ServeHTTP(w, r)
				return
			}

			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(r.Body)
				if err != nil {
					var maxErr *http.MaxBytesError
					if errors.As(err, &maxErr) {
						WriteError(w, model.NewBadRequestError("Request body too large"))
						return
					}
					WriteError(w, model.NewBadRequestError("Request body could not be read"))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			subject := "anonymous"
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				subject = rctx.SubjectID
			}
			key := idempotency.FormatKey(subject, r.Method+" "+r.URL.Path, clientKey)
			hash := idempotency.HashRequest(r.Method, body)
			log := observability.RequestLogger(r.Context(), logger)

			stored, found, err := store.Check(r.Context(), key, hash)
			switch {
			case err != nil && found:
				writeRequestError(w, r, err)
				return
			case err != nil:
				log.Warn("idempotency lookup failed", zap.String("key", clientKey), zap.Error(err))
			case found:
				if stored.ContentType != "" {
					w.Header().Set("Content-Type", stored.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 {
				return
			}
			resp := idempotency.Response{
				Status:      rec.status,
				ContentType: w.Header().Get("Content-Type"),
				Body:        bytes.TrimSpace(rec.body.Bytes()),
			}
			if err := store.Save(r.Context(), key, hash, resp, ttl); err != nil {
				log.Warn("idempotency save failed", zap.String("key", clientKey), zap.Error(err))
			}
		})
	}
}

// recordingWriter passes the response through while keeping a copy of it.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
