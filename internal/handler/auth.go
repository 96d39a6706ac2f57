package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/smartgrader/internal/i18n"
	"github.com/pavelanni/smartgrader/internal/model"
)

const (
	sessionCookieName = "session"
	csrfCookieName    = "csrf_token"
	csrfHeaderName    = "X-CSRF-Token"
)

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (h *Handler) setCSRFCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     h.cookiePath(),
		HttpOnly: false,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// csrfMiddleware implements the double-submit cookie check. Safe requests
// receive a token cookie when they have none; unsafe requests must echo it
// in the X-CSRF-Token header or the csrf_token form field.
func (h *Handler) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(csrfCookieName)
		hasCookie := err == nil && cookie.Value != ""

		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			token := ""
			if hasCookie {
				token = cookie.Value
			} else {
				token, err = generateCSRFToken()
				if err != nil {
					slog.Error("failed to generate CSRF token", "error", err)
					writeError(w, http.StatusInternalServerError, appI18n.T(r.Context(), "ErrInternal"))
					return
				}
				h.setCSRFCookie(w, token)
			}
			ctx := model.ContextWithCSRFToken(r.Context(), token)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if !hasCookie {
			slog.Warn("CSRF cookie missing", "path", r.URL.Path)
			writeError(w, http.StatusForbidden, appI18n.T(r.Context(), "ErrCSRF"))
			return
		}

		sent := r.Header.Get(csrfHeaderName)
		if sent == "" && !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			sent = r.FormValue("csrf_token")
		}
		if sent == "" || subtle.ConstantTimeCompare([]byte(sent), []byte(cookie.Value)) != 1 {
			slog.Warn("CSRF token mismatch", "path", r.URL.Path)
			writeError(w, http.StatusForbidden, appI18n.T(r.Context(), "ErrCSRF"))
			return
		}

		ctx := model.ContextWithCSRFToken(r.Context(), cookie.Value)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loadUser resolves the session cookie, if any, into the request context.
func (h *Handler) loadUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, err := h.store.SessionUser(cookie.Value)
		if err != nil {
			slog.Error("failed to resolve session", "error", err)
		}
		if user == nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(model.ContextWithUser(r.Context(), user)))
	})
}

// requireAuth rejects requests without a signed-in user.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if model.UserFromContext(r.Context()) == nil {
			writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrUnauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrUnauthorized"))
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, appI18n.T(r.Context(), "ErrForbidden"))
		})
	}
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := h.decodeJSON(w, r, &req); err != nil {
			h.badRequest(w, r, err.Error())
			return
		}
	} else {
		req = loginRequest{Username: r.FormValue("username"), Password: r.FormValue("password")}
		if err := h.validateStruct(&req); err != nil {
			h.badRequest(w, r, err.Error())
			return
		}
	}

	user, err := h.store.GetUserByUsername(req.Username)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if user == nil || !user.Active {
		writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrInvalidCredentials"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, appI18n.T(r.Context(), "ErrInvalidCredentials"))
		return
	}

	token, err := h.store.CreateAuthSession(user.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     h.cookiePath(),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.config.SecureCookies,
	})
	slog.Info("user logged in", "user_id", user.ID, "role", user.Role)
	writeOK(w, http.StatusOK, map[string]any{"user": user, "redirect": h.path(homePath(user.Role))})
}

func homePath(role model.UserRole) string {
	switch role {
	case model.UserRoleStudent:
		return "/api/student/exams"
	case model.UserRoleModerator:
		return "/api/moderator/users"
	}
	return "/api/exams"
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := h.store.DeleteAuthSession(cookie.Value); err != nil {
			slog.Warn("failed to delete auth session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     h.cookiePath(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
	})
	writeOK(w, http.StatusOK, map[string]any{"message": appI18n.T(r.Context(), "MsgLoggedOut")})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]any{
		"user":       model.UserFromContext(r.Context()),
		"csrf_token": model.CSRFTokenFromContext(r.Context()),
		"languages":  appI18n.Languages(),
	})
}

type languageRequest struct {
	Language string `json:"language" validate:"required,bcp47_language_tag"`
}

func (h *Handler) handleSetLanguage(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	if !appI18n.Supported(req.Language) {
		h.badRequest(w, r, "unsupported language "+req.Language)
		return
	}
	user := model.UserFromContext(r.Context())
	if err := h.store.SetUserLanguage(user.ID, req.Language); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"language": req.Language})
}
