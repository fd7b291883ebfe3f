package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"meridian/internal/execution"
)

// Claims: полезная нагрузка bearer-токена.
type Claims struct {
	Tenant      string   `json:"tenant"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	Session     string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

const (
	headerTenant  = "X-Tenant-ID"
	headerUser    = "X-User-ID"
	headerRoles   = "X-Roles"
	headerRequest = "X-Request-ID"

	ectxKey = "meridian.ectx"
)

var errUnauthorized = errors.New("unauthorized")

// Auth строит ExecutionContext запроса из bearer-токена или, в режиме
// разработки, из заголовков X-Tenant-ID/X-User-ID/X-Roles. Выдачи разрешений
// запрос не несёт: их даёт PermissionEngine по определениям и группам.
type Auth struct {
	secret  []byte
	headers bool
}

// NewAuth проверяет HS256-токены. С пустым секретом любой запрос отклоняется.
func NewAuth(secret string) *Auth { return &Auth{secret: []byte(secret)} }

// NewHeaderAuth доверяет заголовкам личности. Только для разработки.
func NewHeaderAuth() *Auth { return &Auth{headers: true} }

// TrustsHeaders сообщает, что личность берётся из заголовков.
func (a *Auth) TrustsHeaders() bool { return a.headers }

func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ectx, err := a.identify(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "error": "unauthorized"})
			return
		}
		c.Set(ectxKey, ectx)
		c.Next()
	}
}

func (a *Auth) identify(r *http.Request) (*execution.Context, error) {
	opts := []execution.Option{}
	if rid := strings.TrimSpace(r.Header.Get(headerRequest)); rid != "" {
		opts = append(opts, execution.WithRequest(rid))
	}
	if a.headers {
		tenant := strings.TrimSpace(r.Header.Get(headerTenant))
		if tenant == "" {
			return nil, errUnauthorized
		}
		opts = append(opts, execution.WithRoles(splitList(r.Header.Get(headerRoles))...))
		return execution.New(tenant, strings.TrimSpace(r.Header.Get(headerUser)), opts...), nil
	}
	if len(a.secret) == 0 {
		return nil, errUnauthorized
	}

	header := r.Header.Get("Authorization")
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, jwt.ErrTokenMalformed
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, errUnauthorized
	}
	if claims.Subject == "" || claims.Tenant == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	opts = append(opts, execution.WithRoles(claims.Roles...), execution.WithPermissions(claims.Permissions...))
	if claims.Session != "" {
		opts = append(opts, execution.WithSession(claims.Session))
	}
	return execution.New(claims.Tenant, claims.Subject, opts...), nil
}

// IssueToken подписывает HS256-токен (CLI и тесты).
func IssueToken(secret string, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ectxOf: контекст вызова, созданный Middleware.
func ectxOf(c *gin.Context) *execution.Context {
	if v, ok := c.Get(ectxKey); ok {
		if ectx, ok := v.(*execution.Context); ok {
			return ectx
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
