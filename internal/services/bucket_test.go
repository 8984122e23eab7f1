package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dreamforge/dreamforge-backend/internal/apperr"
)

func TestClampPresignTTL(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, PresignTTLDefault},
		{-5 * time.Second, PresignTTLDefault},
		{time.Minute, PresignTTLMin},
		{PresignTTLMin, PresignTTLMin},
		{2 * time.Hour, 2 * time.Hour},
		{48 * time.Hour, PresignTTLMax},
	}
	for _, tc := range cases {
		if got := ClampPresignTTL(tc.in); got != tc.want {
			t.Fatalf("ClampPresignTTL(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMemoryObjectStore(t *testing.T) {
	store := NewMemoryObjectStore()
	ctx := context.Background()

	if err := store.Put(ctx, "a/b.png", []byte{1, 2, 3}, "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := store.Get(ctx, "a/b.png")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(data) != 3 || data[0] != 1 {
		t.Fatalf("get returned %v", data)
	}

	_, err = store.Get(ctx, "missing")
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != apperr.CodeNotFound {
		t.Fatalf("missing key error = %v, want not_found", err)
	}

	before := time.Now().UTC()
	url, expiresAt, err := store.PresignGet(ctx, "a/b.png", time.Hour)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if url == "" {
		t.Fatal("presign returned empty url")
	}
	lower := before.Add(time.Hour - time.Minute)
	upper := before.Add(time.Hour + time.Minute)
	if expiresAt.Before(lower) || expiresAt.After(upper) {
		t.Fatalf("expires_at = %v, want about one hour out", expiresAt)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check: %v", err)
	}
}
