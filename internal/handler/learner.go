package handler

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/backend"
	"github.com/pavelanni/coursematerial/internal/model"
)

// learnerCookieMaxAge keeps the pseudonymous learner for a year.
const learnerCookieMaxAge = 365 * 24 * 60 * 60

func cookieID(r *http.Request) uuid.UUID {
	c, err := r.Cookie(backend.UserCookie)
	if err != nil || c.Value == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(c.Value)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// learner is middleware that identifies the pseudonymous learner by cookie,
// creating one on the first visit.
func (h *Handler) learner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var user *model.User
		if id := cookieID(r); id != uuid.Nil {
			u, err := h.store.GetUser(id)
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			user = u
		}
		if user == nil {
			u, err := h.store.CreateUser()
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			user = u
			cookiePath := "/"
			if h.config.BasePath != "" {
				cookiePath = h.config.BasePath + "/"
			}
			http.SetCookie(w, &http.Cookie{
				Name:     backend.UserCookie,
				Value:    user.ID.String(),
				Path:     cookiePath,
				MaxAge:   learnerCookieMaxAge,
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
				Secure:   h.config.SecureCookies,
			})
		}
		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
