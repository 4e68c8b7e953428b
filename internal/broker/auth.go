package broker

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/imjszhang/js-eyes/internal/protocol"
)

// AuthService handles agent challenges and automation tokens.
type AuthService struct {
	cfg *Config
}

// NewAuthService creates a new auth service.
func NewAuthService(cfg *Config) *AuthService {
	return &AuthService{cfg: cfg}
}

// NewChallenge returns a random hex challenge.
func (a *AuthService) NewChallenge() (string, error) {
	return generateSecureToken(32)
}

// VerifyAgent checks an agent's HMAC answer to challenge.
func (a *AuthService) VerifyAgent(challenge, response string) bool {
	if challenge == "" || response == "" {
		return false
	}
	return protocol.Verify(a.cfg.AgentSecret, challenge, response)
}

// NewSessionID returns a fresh agent session id.
func (a *AuthService) NewSessionID() string {
	return uuid.NewString()
}

// ValidateToken checks an automation bearer token against the configured
// bcrypt hash. Without a hash every caller is accepted.
func (a *AuthService) ValidateToken(token string) bool {
	if !a.cfg.TokenRequired() {
		return true
	}
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.cfg.TokenHash), []byte(token)) == nil
}

// TokenFromRequest extracts the bearer token, falling back to the "token"
// query parameter for WebSocket clients that cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
