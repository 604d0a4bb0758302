package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"slices"

	"github.com/me/dispatch/pkg/model"
)

const ctxKeyAgentAuth ctxKey = "agent_auth"

// AgentAuthContext holds the authenticated agent key of a request.
type AgentAuthContext struct {
	KeyID    string   // Hash of the key (for logging, not the raw key)
	Accounts []string // Accounts this key may act for; empty allows all
}

// AgentAuthFromContext extracts the AgentAuthContext from request context.
func AgentAuthFromContext(ctx context.Context) *AgentAuthContext {
	if ac, ok := ctx.Value(ctxKeyAgentAuth).(*AgentAuthContext); ok {
		return ac
	}
	return nil
}

// CanAccess reports whether the key may act for accountID.
func (c *AgentAuthContext) CanAccess(accountID string) bool {
	if c == nil {
		return false
	}
	if len(c.Accounts) == 0 {
		return true
	}
	return slices.Contains(c.Accounts, accountID)
}

// AgentKeyConfig maps agent keys to the accounts they may act for.
type AgentKeyConfig struct {
	Keys map[string][]string
}

// NewAgentKeyConfig builds the key table from configuration, then from the
// DISPATCH_AGENT_KEYS environment variable ({"key": ["acct1", "acct2"]}).
func NewAgentKeyConfig(keys map[string][]string) *AgentKeyConfig {
	cfg := &AgentKeyConfig{Keys: make(map[string][]string, len(keys))}
	for k, v := range keys {
		cfg.Keys[k] = v
	}
	if envVal := os.Getenv("DISPATCH_AGENT_KEYS"); envVal != "" {
		var envKeys map[string][]string
		if err := json.Unmarshal([]byte(envVal), &envKeys); err == nil {
			for k, v := range envKeys {
				cfg.Keys[k] = v
			}
		}
	}
	return cfg
}

// IsEnabled returns true if any agent keys are configured.
func (c *AgentKeyConfig) IsEnabled() bool {
	return c != nil && len(c.Keys) > 0
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:12]
}

// agentAuthMiddleware checks the X-Agent-Key header when keys are configured.
func agentAuthMiddleware(keys *AgentKeyConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			if !keys.IsEnabled() {
				ctx := context.WithValue(r.Context(), ctxKeyAgentAuth, &AgentAuthContext{KeyID: "none"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			key := r.Header.Get("X-Agent-Key")
			if key == "" {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "agent authentication required (X-Agent-Key header missing)",
				})
				return
			}
			accounts, ok := keys.Keys[key]
			if !ok {
				logger.Warn("invalid agent key", "key_hash", hashKey(key))
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "invalid agent key",
				})
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyAgentAuth, &AgentAuthContext{
				KeyID:    hashKey(key),
				Accounts: accounts,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func forbidden(w http.ResponseWriter, reqID, accountID string) {
	respondError(w, reqID, http.StatusForbidden, &model.APIError{
		Code:    model.ErrForbidden,
		Message: "agent key does not allow account: " + accountID,
	})
}
