package gateway

import (
	"net/http"

	"github.com/rs/cors"
)

// CORSMiddleware allows the given browser origins. An empty list allows any
// origin.
func CORSMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Content-Type",
			"Authorization",
			"X-Requested-With",
			"Connect-Protocol-Version",
			"Connect-Timeout-Ms",
			"Idempotency-Key",
		},
		ExposedHeaders: []string{"Grpc-Status", "Grpc-Message"},
		MaxAge:         86400, // 24 hours
	})
	return c.Handler(next)
}
