// Package auth issues and verifies the HMAC-signed session tokens clients
// send as x-auth-token.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"calmkit/internal/util"
)

// tokenVersion prefixes every token so the format can change later.
const tokenVersion = "ck1"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims identify the user behind a session token. JTI is what logout
// revokes.
type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0)
}

type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a token for the user with a fresh JTI.
func (s *Signer) Issue(userID, name string) (string, Claims, error) {
	claims := Claims{
		Sub:  userID,
		Name: name,
		JTI:  util.NewID("jti"),
		Exp:  s.now().Add(s.ttl).Unix(),
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", Claims{}, fmt.Errorf("marshal claims: %w", err)
	}
	body := tokenVersion + "." + base64.RawURLEncoding.EncodeToString(raw)
	return body + "." + s.sign(body), claims, nil
}

func (s *Signer) Parse(token string) (Claims, error) {
	cut := strings.LastIndexByte(token, '.')
	if cut < 0 {
		return Claims{}, ErrInvalidToken
	}
	body, signature := token[:cut], token[cut+1:]
	if !hmac.Equal([]byte(signature), []byte(s.sign(body))) {
		return Claims{}, ErrInvalidToken
	}

	version, payload, ok := strings.Cut(body, ".")
	if !ok || version != tokenVersion {
		return Claims{}, ErrInvalidToken
	}
	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if s.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (s *Signer) sign(body string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
