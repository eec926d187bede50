// Package auth resolves the tenant behind an inbound request (spec
// §4.9/§6): either a static API key configured per tenant, or a JWT
// bearer token carrying a tenant_id claim. Authentication is the first
// gate in the orchestrator pipeline, upstream of rate limiting — an
// unknown tenant must never consume a rate-limit slot (spec §4.8).
package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vvtv/llmpool/config"
	"github.com/vvtv/llmpool/types"
)

// Identity is the resolved caller, handed to the rate limiter and
// carried on the request's trace/log fields.
type Identity struct {
	TenantID       string
	RateLimitRPS   float64
	RateLimitBurst int
	Distributed    bool
}

// Authenticator resolves Identity from either an API key or a JWT.
type Authenticator struct {
	tenancy   map[string]config.TenantConfig
	apiKeyIdx map[string]string // api_key -> tenant name
	jwtSecret []byte
}

// New builds an Authenticator from the tenancy section of Config.
// jwtSecret may be empty, in which case JWT bearer auth is disabled
// and only API keys are accepted.
func New(tenancy map[string]config.TenantConfig, jwtSecret []byte) *Authenticator {
	idx := make(map[string]string, len(tenancy))
	for name, t := range tenancy {
		if t.APIKey != "" {
			idx[t.APIKey] = name
		}
	}
	return &Authenticator{tenancy: tenancy, apiKeyIdx: idx, jwtSecret: jwtSecret}
}

// AuthenticateAPIKey resolves a tenant from a static API key.
func (a *Authenticator) AuthenticateAPIKey(key string) (Identity, error) {
	if key == "" {
		return Identity{}, types.NewError(types.ErrAuth, "missing API key")
	}
	name, ok := a.apiKeyIdx[key]
	if !ok {
		return Identity{}, types.NewError(types.ErrAuth, "unknown API key")
	}
	return a.identityFor(name), nil
}

// AuthenticateBearer validates a JWT bearer token (as found in an
// "Authorization: Bearer <token>" header, with or without the
// "Bearer " scheme prefix) and resolves the tenant from its tenant_id
// claim, or its sub claim when tenant_id is absent. The claim is
// matched first against tenant names, then against each tenant's
// configured jwt_subject.
func (a *Authenticator) AuthenticateBearer(tokenStr string) (Identity, error) {
	if len(a.jwtSecret) == 0 {
		return Identity{}, types.NewError(types.ErrAuth, "bearer auth not configured")
	}
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return Identity{}, types.NewError(types.ErrAuth, "invalid or expired token").WithCause(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, types.NewError(types.ErrAuth, "invalid token claims")
	}

	subject, _ := claims["tenant_id"].(string)
	if subject == "" {
		subject, _ = claims["sub"].(string)
	}
	if subject == "" {
		return Identity{}, types.NewError(types.ErrAuth, "token carries no tenant identity")
	}

	if name, ok := a.resolveBySubject(subject); ok {
		return a.identityFor(name), nil
	}
	return Identity{}, types.NewError(types.ErrAuth, "token identity does not match any configured tenant")
}

func (a *Authenticator) resolveBySubject(subject string) (string, bool) {
	if _, ok := a.tenancy[subject]; ok {
		return subject, true
	}
	for name, t := range a.tenancy {
		if t.JWTSubject != "" && t.JWTSubject == subject {
			return name, true
		}
	}
	return "", false
}

func (a *Authenticator) identityFor(name string) Identity {
	t := a.tenancy[name]
	return Identity{
		TenantID:       name,
		RateLimitRPS:   t.RateLimitRPS,
		RateLimitBurst: t.RateLimitBurst,
		Distributed:    t.Distributed,
	}
}
