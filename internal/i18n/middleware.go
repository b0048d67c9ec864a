package i18n

import "net/http"

// LangCookie holds a learner's explicit language choice.
const LangCookie = "lang"

// Middleware picks the language of every request from the lang cookie or the
// Accept-Language header and injects its localizer into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var pref string
		if c, err := r.Cookie(LangCookie); err == nil {
			pref = c.Value
		}
		lang := Match(pref, r.Header.Get("Accept-Language"))
		ctx := WithLanguage(r.Context(), lang)
		ctx = WithLocalizer(ctx, NewLocalizer(lang))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
