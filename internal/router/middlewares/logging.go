package middlewares

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// WithLogging logs a warning for every non-200 response.
func WithLogging(h http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		loggedRW := &responseWriterLogger{ResponseWriter: rw, statusCode: http.StatusOK}
		h.ServeHTTP(loggedRW, req)

		if loggedRW.statusCode != http.StatusOK {
			log.Warn().
				Int("statusCode", loggedRW.statusCode).
				Str("path", req.URL.Path).
				Msg("non-200 status code response")
		}
	})
}

type responseWriterLogger struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseWriterLogger) WriteHeader(statusCode int) {
	r.ResponseWriter.WriteHeader(statusCode)
	r.statusCode = statusCode
}
