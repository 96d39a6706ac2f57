package i18n

import (
	"net/http"

	"github.com/pavelanni/smartgrader/internal/model"
)

// Middleware injects a localizer into every request context. The signed-in
// user's language wins, then Accept-Language, then defaultLang.
func Middleware(defaultLang string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var langs []string
			if u := model.UserFromContext(r.Context()); u != nil && u.Language != "" {
				langs = append(langs, u.Language)
			}
			if accept := r.Header.Get("Accept-Language"); accept != "" {
				langs = append(langs, accept)
			}
			langs = append(langs, defaultLang)
			ctx := WithLocalizer(r.Context(), NewLocalizer(langs...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
