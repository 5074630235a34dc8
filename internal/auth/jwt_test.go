package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewTokenAndParse(t *testing.T) {
	v := NewVerifier("secret")

	token, err := v.NewToken(42, time.Hour)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}

	claims, err := v.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.UserID != 42 || claims.Issuer != "herald" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParse_Rejects(t *testing.T) {
	v := NewVerifier("secret")

	expired, _ := v.NewToken(1, -time.Minute)
	wrongKey, _ := NewVerifier("other").NewToken(1, time.Hour)
	noUser, _ := v.NewToken(0, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 1}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := map[string]string{
		"expired":   expired,
		"wrong key": wrongKey,
		"no user":   noUser,
		"alg none":  none,
		"garbage":   "abc.def.ghi",
	}

	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Parse(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	v := NewVerifier("secret")
	token, _ := v.NewToken(7, time.Hour)

	t.Run("header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		if id, err := v.Authenticate(r); err != nil || id != 7 {
			t.Errorf("got %d, %v", id, err)
		}
	})

	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/stream?access_token="+token, nil)
		if id, err := v.Authenticate(r); err != nil || id != 7 {
			t.Errorf("got %d, %v", id, err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		if _, err := v.Authenticate(r); !errors.Is(err, ErrMissingToken) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("non bearer scheme", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Basic abc")
		if _, err := v.Authenticate(r); !errors.Is(err, ErrMissingToken) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestUserIDContext(t *testing.T) {
	if _, ok := UserID(context.Background()); ok {
		t.Error("expected no user on empty context")
	}

	ctx := WithUserID(context.Background(), 9)
	if id, ok := UserID(ctx); !ok || id != 9 {
		t.Errorf("got %d, %v", id, ok)
	}
}
