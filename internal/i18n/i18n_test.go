package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pavelanni/smartgrader/internal/model"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		lang string
		want string
	}{
		{"en", "Grading started."},
		{"fr", "Correction lancée."},
		{"ru", "Проверка запущена."},
		{"de", "Grading started."},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			ctx := initLang(t, tt.lang)
			if got := T(ctx, "MsgGradingStarted"); got != tt.want {
				t.Errorf("T(MsgGradingStarted) = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")
	if got := Tp(ctx, "QuestionsExtracted", 1); got != "1 question extracted." {
		t.Errorf("Tp(QuestionsExtracted, 1) = %q", got)
	}
	if got := Tp(ctx, "QuestionsExtracted", 5); got != "5 questions extracted." {
		t.Errorf("Tp(QuestionsExtracted, 5) = %q", got)
	}

	ctx = initLang(t, "ru")
	if got := Tp(ctx, "QuestionsExtracted", 5); got != "Извлечено 5 вопросов." {
		t.Errorf("Tp(QuestionsExtracted, 5) ru = %q", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")
	got := Td(ctx, "ErrBadRequest", map[string]any{"Detail": "title is required"})
	if got != "Invalid request: title is required" {
		t.Errorf("Td(ErrBadRequest) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")
	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestSupported(t *testing.T) {
	initLang(t, "en")
	for _, lang := range []string{"en", "fr", "ru"} {
		if !Supported(lang) {
			t.Errorf("Supported(%q) = false", lang)
		}
	}
	if Supported("xx-invalid-") || Supported("de") {
		t.Error("unexpected supported language")
	}
	if len(Languages()) != 3 {
		t.Errorf("Languages() = %v", Languages())
	}
}

func TestMiddleware(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatal(err)
	}
	var got string
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "MsgLoggedOut")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9,en;q=0.8")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "Vous êtes déconnecté." {
		t.Errorf("Accept-Language fr: got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "fr")
	req = req.WithContext(model.ContextWithUser(req.Context(), &model.User{Language: "ru"}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "Вы вышли из системы." {
		t.Errorf("user language ru: got %q", got)
	}
}
