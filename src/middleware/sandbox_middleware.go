package middleware

import (
	"net/http"

	"bank-link/src/util"
)

// SandboxOnlyMiddleware hides test tooling routes outside the sandbox
// environment.
func SandboxOnlyMiddleware(isSandbox bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isSandbox {
				util.WriteError(w, nil, util.NotFound("route not found"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
