package auth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"treesync/api/internal/rbac"
)

const maxDisplayNameLength = 80

// Identity is the trusted user behind a connection.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Role        rbac.Role
}

// Provider turns a presented credential into an Identity.
type Provider interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// TokenProvider authenticates HMAC-signed tokens. Display fields are
// stripped of markup because they are broadcast to every peer.
type TokenProvider struct {
	secret []byte
	policy *bluemonday.Policy
	now    func() time.Time
}

func NewTokenProvider(secret string) *TokenProvider {
	return &TokenProvider{
		secret: []byte(secret),
		policy: bluemonday.StrictPolicy(),
		now:    time.Now,
	}
}

func (p *TokenProvider) Authenticate(_ context.Context, credential string) (Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return Identity{}, ErrInvalidToken
	}
	claims, err := parseTokenAt(p.secret, credential, p.now())
	if err != nil {
		return Identity{}, err
	}
	name := p.cleanName(claims.Name)
	if name == "" {
		name = claims.Sub
	}
	return Identity{
		UserID:      claims.Sub,
		DisplayName: name,
		AvatarURL:   p.cleanAvatar(claims.Avatar),
		Role:        rbac.Normalize(claims.Role),
	}, nil
}

// Issue signs a credential for identity valid for ttl.
func (p *TokenProvider) Issue(identity Identity, ttl time.Duration) (string, error) {
	if identity.UserID == "" {
		return "", errors.New("issue token: user id is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, err := IssueToken(p.secret, Claims{
		Sub:    identity.UserID,
		Name:   identity.DisplayName,
		Avatar: identity.AvatarURL,
		Role:   string(identity.Role),
		JTI:    uuid.NewString(),
		Exp:    p.now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

func (p *TokenProvider) cleanName(name string) string {
	cleaned := strings.TrimSpace(html.UnescapeString(p.policy.Sanitize(name)))
	if runes := []rune(cleaned); len(runes) > maxDisplayNameLength {
		cleaned = string(runes[:maxDisplayNameLength])
	}
	return cleaned
}

// cleanAvatar keeps only absolute http(s) URLs.
func (p *TokenProvider) cleanAvatar(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ""
	}
	return parsed.String()
}
