// Package middleware содержит HTTP middleware торгового ядра shopcore.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/vbelyaev/shopcore/internal/model"
)

type contextKey string

const scopeKey contextKey = "scope"

const authHeaderPrefix = "Bearer "

// AuthMiddleware проверяет подписанный токен сервисного доступа и
// извлекает из него область видимости арендатора, сайта и магазина.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет заголовок Authorization и добавляет область
// видимости запроса в контекст.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, authHeaderPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		scope, ok := a.parseToken(strings.TrimPrefix(header, authHeaderPrefix))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), scopeKey, scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken выпускает подписанный токен для указанной области видимости.
func (a *AuthMiddleware) IssueToken(scope model.Scope) string {
	payload := scope.TenantID + "|" + scope.SiteID + "|" + scope.StoreID
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + a.sign(encoded)
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (model.Scope, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return model.Scope{}, false
	}

	if !hmac.Equal([]byte(parts[1]), []byte(a.sign(parts[0]))) {
		return model.Scope{}, false
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return model.Scope{}, false
	}

	fields := strings.Split(string(payload), "|")
	if len(fields) != 3 || fields[0] == "" || fields[1] == "" || fields[2] == "" {
		return model.Scope{}, false
	}

	return model.Scope{TenantID: fields[0], SiteID: fields[1], StoreID: fields[2]}, true
}

// GetScopeFromContext извлекает область видимости из контекста запроса.
func GetScopeFromContext(ctx context.Context) (model.Scope, bool) {
	scope, ok := ctx.Value(scopeKey).(model.Scope)
	return scope, ok
}
