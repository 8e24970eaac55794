package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	signer := NewSigner("secret", time.Hour)
	token, issued, err := signer.Issue("usr_1", "sam")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !strings.HasPrefix(token, tokenVersion+".") {
		t.Fatalf("token %q lacks version prefix", token)
	}
	if !strings.HasPrefix(issued.JTI, "jti_") {
		t.Fatalf("JTI = %q", issued.JTI)
	}

	claims, err := signer.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims != issued {
		t.Fatalf("Parse() = %+v, want %+v", claims, issued)
	}

	_, other, _ := signer.Issue("usr_1", "sam")
	if other.JTI == issued.JTI {
		t.Fatal("each token needs its own JTI")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	signer := NewSigner("secret", time.Minute)
	token, _, err := signer.Issue("usr_1", "sam")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	signer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := signer.Parse(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("Parse() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseRejectsTampering(t *testing.T) {
	token, _, err := NewSigner("secret", time.Hour).Issue("usr_1", "sam")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	parts := strings.Split(token, ".")

	cases := map[string]string{
		"wrong secret":  token,
		"no signature":  parts[0] + "." + parts[1],
		"other version": "ck0." + parts[1] + "." + parts[2],
		"garbage":       "not-a-token",
	}
	other := NewSigner("other", time.Hour)
	for name, candidate := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := other.Parse(candidate); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Parse() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}
