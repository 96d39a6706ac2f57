package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/smartgrader/internal/llm/prompts"
	"github.com/pavelanni/smartgrader/internal/model"
	"github.com/pavelanni/smartgrader/internal/store"
)

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	role := model.UserRole(r.URL.Query().Get("role"))
	if role != "" && !role.IsValid() {
		h.badRequest(w, r, "unknown role "+string(role))
		return
	}
	users, err := h.store.ListUsers(role)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeOK(w, http.StatusOK, map[string]any{"users": users})
}

type createUserRequest struct {
	Username    string         `json:"username" validate:"required,min=3,max=64,alphanumunicode"`
	DisplayName string         `json:"display_name" validate:"max=128"`
	Password    string         `json:"password" validate:"required,min=8,max=72"`
	Role        model.UserRole `json:"role" validate:"required,oneof=student instructor moderator"`
	Language    string         `json:"language" validate:"omitempty,bcp47_language_tag"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}

	existing, err := h.store.GetUserByUsername(req.Username)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}

	id, err := h.store.CreateUser(model.User{
		Username:     req.Username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Language:     req.Language,
		Active:       true,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	user, err := h.store.GetUserByID(id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	slog.Info("user created", "user_id", id, "username", req.Username, "role", req.Role)
	writeOK(w, http.StatusCreated, map[string]any{"user": user})
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "userID")
	if err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	if id == model.UserFromContext(r.Context()).ID {
		h.badRequest(w, r, "cannot deactivate yourself")
		return
	}
	active, err := h.store.ToggleUserActive(id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	slog.Info("user active toggled", "user_id", id, "active", active)
	writeOK(w, http.StatusOK, map[string]any{"user_id": id, "active": active})
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.ListSettings()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"settings":       settings,
		"default_points": h.processor.DefaultPoints(),
		"prompt_variant": h.grading.PromptVariant(),
	})
}

type settingsRequest struct {
	DefaultPoints *float64 `json:"default_points" validate:"omitempty,gt=0,lte=1000"`
	PromptVariant *string  `json:"prompt_variant" validate:"omitempty,oneof=strict standard lenient"`
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err.Error())
		return
	}
	if req.DefaultPoints != nil {
		if err := h.store.SetSetting(store.SettingDefaultPoints, strconv.FormatFloat(*req.DefaultPoints, 'f', -1, 64)); err != nil {
			h.handleError(w, r, err)
			return
		}
	}
	if req.PromptVariant != nil {
		if !prompts.IsValidVariant(*req.PromptVariant) {
			h.badRequest(w, r, "unknown prompt variant "+*req.PromptVariant)
			return
		}
		if err := h.store.SetSetting(store.SettingPromptVariant, *req.PromptVariant); err != nil {
			h.handleError(w, r, err)
			return
		}
	}
	slog.Info("settings updated", "user_id", model.UserFromContext(r.Context()).ID)
	h.handleGetSettings(w, r)
}
