package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/decloud/controlplane/pkg/logger"
)

// Identity is the authenticated caller: a tenant identified by wallet
// address. JWT bearer tokens and API keys resolve to the same identity
// shape.
type Identity struct {
	UserID string // wallet address, lower-cased
}

type ctxKey string

const ctxIdentityKey ctxKey = "httpapi.identity"

// publicPaths bypass authentication entirely.
var publicPaths = map[string]struct{}{
	"/healthz":            {},
	"/metrics":            {},
	"/system/descriptors": {},
}

// nodePathPrefix routes use node-id-scoped auth, not tenant auth; agents
// authenticate implicitly by their derived node id.
const nodePathPrefix = "/api/nodes/"

// Authenticator validates tenant credentials.
type Authenticator struct {
	jwtSecret []byte
	apiKeys   map[string]string // key -> wallet
	log       *logger.Logger
}

// NewAuthenticator builds an authenticator. apiKeys maps static keys to
// wallet identities.
func NewAuthenticator(jwtSecret string, apiKeys map[string]string, log *logger.Logger) *Authenticator {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	keys := make(map[string]string, len(apiKeys))
	for k, wallet := range apiKeys {
		keys[k] = strings.ToLower(wallet)
	}
	return &Authenticator{jwtSecret: []byte(jwtSecret), apiKeys: keys, log: log}
}

// Claims is the JWT claim set issued to tenants; sub carries the wallet.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticate resolves an Identity from either scheme, or nil.
func (a *Authenticator) Authenticate(r *http.Request) *Identity {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		if wallet, ok := a.apiKeys[key]; ok {
			return &Identity{UserID: wallet}
		}
		return nil
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" || len(a.jwtSecret) == 0 {
		return nil
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil
	}
	return &Identity{UserID: strings.ToLower(claims.Subject)}
}

// Middleware enforces tenant auth on everything except public paths and
// node-agent routes.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, nodePathPrefix) {
			next.ServeHTTP(w, r)
			return
		}
		id := a.Authenticate(r)
		if id == nil {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

// IdentityFrom extracts the authenticated caller, if any.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxIdentityKey).(*Identity)
	return id, ok
}
