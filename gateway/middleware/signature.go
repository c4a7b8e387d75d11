package middleware

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"blockbatch/gateway/auth"
	"blockbatch/observability/logging"
)

// Signatures verifies request signatures and stores the recovered signer on
// the request context for downstream handlers.
func Signatures(authenticator *auth.Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, int64(auth.MaxBodyForSignature)+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", "unable to read body")
				return
			}
			_ = r.Body.Close()
			if len(body) > auth.MaxBodyForSignature {
				writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			principal, err := authenticator.Authenticate(r, body)
			if err != nil {
				logger.Debug("signature rejected",
					slog.String("path", r.URL.Path),
					logging.MaskField("signature", r.Header.Get(auth.HeaderSignature)),
					slog.Any("error", err))
				code := "unauthenticated"
				if errors.Is(err, auth.ErrReplay) {
					code = "replayed"
				}
				writeError(w, http.StatusUnauthorized, code, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}
