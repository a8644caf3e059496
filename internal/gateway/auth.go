package gateway

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/alekspetrov/recap/internal/logging"
)

// AuthType selects how the operator API and event stream are protected.
type AuthType string

const (
	// AuthTypeLocal accepts only loopback clients.
	AuthTypeLocal AuthType = "local"
	// AuthTypeAPIToken requires a shared bearer token.
	AuthTypeAPIToken AuthType = "api-token"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Type  AuthType `yaml:"type" json:"type"`
	Token string   `yaml:"token,omitempty" json:"token,omitempty"`
}

var (
	errMissingToken = errors.New("missing authorization token")
	errInvalidToken = errors.New("invalid token")
	errNotLocal     = errors.New("local auth requires a loopback connection")
	errUnknownAuth  = errors.New("unknown auth type")
)

// tokenQueryParam carries the token on WebSocket upgrades, where browser
// clients cannot set an Authorization header.
const tokenQueryParam = "access_token"

// Authenticator checks operator requests against an AuthConfig.
type Authenticator struct {
	config *AuthConfig
	log    *slog.Logger
}

// NewAuthenticator creates an authenticator for config.
func NewAuthenticator(config *AuthConfig) *Authenticator {
	return &Authenticator{config: config, log: logging.WithComponent("gateway.auth")}
}

// Authenticate returns nil when r may reach protected routes.
func (a *Authenticator) Authenticate(r *http.Request) error {
	switch a.config.Type {
	case AuthTypeLocal:
		if !fromLoopback(r.RemoteAddr) {
			return errNotLocal
		}
		return nil
	case AuthTypeAPIToken:
		presented := requestToken(r)
		if presented == "" {
			return errMissingToken
		}
		if a.config.Token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(a.config.Token)) != 1 {
			return errInvalidToken
		}
		return nil
	default:
		return errUnknownAuth
	}
}

// Middleware rejects unauthenticated requests with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(r); err != nil {
			a.log.Debug("Rejected request",
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
				slog.Any("error", err))
			if a.config.Type == AuthTypeAPIToken {
				w.Header().Set("WWW-Authenticate", `Bearer realm="recap"`)
			}
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func fromLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// requestToken reads a bearer token from the Authorization header, falling
// back to the access_token query parameter for WebSocket upgrades only.
func requestToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get(tokenQueryParam)
	}
	return ""
}
