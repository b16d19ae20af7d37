package web

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/modfin/offer/internal/apperr"
)

type ctxKey string

const userKey ctxKey = "user"

func userOf(r *http.Request) string {
	u, _ := r.Context().Value(userKey).(string)
	return u
}

// apiAuth resolves the bearer key to a user. Unknown keys leave the request
// anonymous and the services answer 401.
func (s *Server) apiAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		var user string
		for k, u := range s.config.Users {
			if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
				user = u
			}
		}
		if user != "" {
			r = r.WithContext(context.WithValue(r.Context(), userKey, user))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cronAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.CronSecret != "" {
			got := r.Header.Get("X-Cron-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.config.CronSecret)) != 1 {
				respondErr(w, r, s.log, apperr.Unauthorized("invalid cron secret"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
