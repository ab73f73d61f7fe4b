package middleware

import (
	"net/http"

	"github.com/zhouzirui/taxdesk/backend/internal/service/auth"
	"github.com/zhouzirui/taxdesk/backend/pkg/utils"
)

// BasicAuth 校验固定账号；认证关闭时请求以匿名身份放行。
func BasicAuth(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authenticator.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="taxdesk"`)
				utils.RespondError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			user, ok := authenticator.Authenticate(username, password)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="taxdesk"`)
				utils.RespondError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
		})
	}
}
