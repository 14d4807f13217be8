package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestStaticToken(t *testing.T) {
	provider := StaticToken("abc123")
	h, err := provider(context.Background())
	if err != nil {
		t.Fatalf("provider failed: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer abc123" {
		t.Errorf("unexpected Authorization header: %q", got)
	}
}

func TestStaticTokenEmpty(t *testing.T) {
	provider := StaticToken("")
	if _, err := provider(context.Background()); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestRefreshingKeepsFreshToken(t *testing.T) {
	fresh := signedToken(t, time.Now().Add(time.Hour))
	calls := 0
	provider := Refreshing(fresh, func(ctx context.Context) (string, error) {
		calls++
		return "should-not-be-used", nil
	}, DefaultExpirySkew)

	h, err := provider(context.Background())
	if err != nil {
		t.Fatalf("provider failed: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer "+fresh {
		t.Errorf("fresh token replaced: %q", got)
	}
	if calls != 0 {
		t.Errorf("source called %d times for a fresh token", calls)
	}
}

func TestRefreshingReplacesExpiredToken(t *testing.T) {
	expired := signedToken(t, time.Now().Add(-time.Minute))
	renewed := signedToken(t, time.Now().Add(time.Hour))
	calls := 0
	provider := Refreshing(expired, func(ctx context.Context) (string, error) {
		calls++
		return renewed, nil
	}, DefaultExpirySkew)

	h, err := provider(context.Background())
	if err != nil {
		t.Fatalf("provider failed: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer "+renewed {
		t.Errorf("expired token not replaced: %q", got)
	}
	if calls != 1 {
		t.Errorf("expected 1 refresh, got %d", calls)
	}

	// A second call reuses the renewed token without refreshing again.
	if _, err := provider(context.Background()); err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("renewed token refreshed again: %d calls", calls)
	}
}

func TestRefreshingWithinSkewWindow(t *testing.T) {
	nearExpiry := signedToken(t, time.Now().Add(10*time.Second))
	renewed := signedToken(t, time.Now().Add(time.Hour))
	calls := 0
	provider := Refreshing(nearExpiry, func(ctx context.Context) (string, error) {
		calls++
		return renewed, nil
	}, 30*time.Second)

	if _, err := provider(context.Background()); err != nil {
		t.Fatalf("provider failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("token inside skew window not refreshed: %d calls", calls)
	}
}

func TestRefreshingEmptyInitial(t *testing.T) {
	renewed := signedToken(t, time.Now().Add(time.Hour))
	provider := Refreshing("", func(ctx context.Context) (string, error) {
		return renewed, nil
	}, 0)

	h, err := provider(context.Background())
	if err != nil {
		t.Fatalf("provider failed: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer "+renewed {
		t.Errorf("empty initial token not replaced: %q", got)
	}
}

func TestRefreshingSourceFailure(t *testing.T) {
	wantErr := errors.New("identity provider down")
	provider := Refreshing("", func(ctx context.Context) (string, error) {
		return "", wantErr
	}, 0)

	if _, err := provider(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("expected source error surfaced, got %v", err)
	}
}

func TestRefreshingOpaqueTokenTreatedAsFresh(t *testing.T) {
	calls := 0
	provider := Refreshing("not-a-jwt", func(ctx context.Context) (string, error) {
		calls++
		return "renewed", nil
	}, DefaultExpirySkew)

	h, err := provider(context.Background())
	if err != nil {
		t.Fatalf("provider failed: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer not-a-jwt" {
		t.Errorf("opaque token replaced: %q", got)
	}
	if calls != 0 {
		t.Errorf("opaque token triggered refresh: %d calls", calls)
	}
}
