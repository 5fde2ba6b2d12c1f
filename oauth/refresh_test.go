package oauth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/backend/db"
	"github.com/onnwee/chat-relay/backend/testutil"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestStartRefresherSkipsFreshToken(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := db.UpsertOAuthToken(ctx, dbx, "test-fresh", "access123", "refresh456", time.Now().Add(1*time.Hour), "scope1"); err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	var refreshCalled atomic.Bool
	refreshFunc := func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		refreshCalled.Store(true)
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
	}

	rctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	StartRefresher(rctx, dbx, "test-fresh", 50*time.Millisecond, 30*time.Minute, refreshFunc)
	<-rctx.Done()

	if refreshCalled.Load() {
		t.Error("refresh should not have been called for a token expiring in 1 hour with a 30 minute window")
	}
}

func TestStartRefresherRefreshesWithinWindow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := db.UpsertOAuthToken(ctx, dbx, "test-window", "old-access", "old-refresh", time.Now().Add(5*time.Minute), "scope1"); err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	var refreshCalled atomic.Bool
	newExpiry := time.Now().Add(2 * time.Hour)
	refreshFunc := func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		if refreshToken != "old-refresh" {
			t.Errorf("refresh called with wrong token: got %s, want old-refresh", refreshToken)
		}
		refreshCalled.Store(true)
		return "new-access", "new-refresh", newExpiry, "scope2", nil
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	StartRefresher(rctx, dbx, "test-window", 50*time.Millisecond, 15*time.Minute, refreshFunc)

	ok := waitFor(t, 3*time.Second, func() bool {
		access, _, _, _, err := db.GetOAuthToken(ctx, dbx, "test-window")
		return err == nil && access == "new-access"
	})
	cancel()

	if !refreshCalled.Load() {
		t.Fatal("refresh should have been called for a token expiring within the window")
	}
	if !ok {
		t.Fatal("token was not updated in the database")
	}

	_, refresh, _, scope, err := db.GetOAuthToken(ctx, dbx, "test-window")
	if err != nil {
		t.Fatalf("failed to read updated token: %v", err)
	}
	if refresh != "new-refresh" {
		t.Errorf("refresh token not updated: got %s, want new-refresh", refresh)
	}
	if scope != "scope2" {
		t.Errorf("scope not updated: got %s, want scope2", scope)
	}
}

func TestStartRefresherKeepsTokenOnError(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := db.UpsertOAuthToken(ctx, dbx, "test-err", "old-access", "old-refresh", time.Now().Add(5*time.Minute), "scope1"); err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	var calls atomic.Int32
	refreshFunc := func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		calls.Add(1)
		return "", "", time.Time{}, "", errors.New("refresh failed")
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	StartRefresher(rctx, dbx, "test-err", 50*time.Millisecond, 15*time.Minute, refreshFunc)

	waitFor(t, 3*time.Second, func() bool { return calls.Load() > 0 })
	cancel()

	access, _, _, _, err := db.GetOAuthToken(ctx, dbx, "test-err")
	if err != nil {
		t.Fatalf("failed to read token: %v", err)
	}
	if access != "old-access" {
		t.Errorf("token should not have been updated on error, got %s", access)
	}
}

func TestStartRefresherNoRefreshToken(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := db.UpsertOAuthToken(ctx, dbx, "test-norefresh", "access123", "", time.Now().Add(5*time.Minute), "scope1"); err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	var refreshCalled atomic.Bool
	refreshFunc := func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		refreshCalled.Store(true)
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
	}

	rctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	StartRefresher(rctx, dbx, "test-norefresh", 50*time.Millisecond, 15*time.Minute, refreshFunc)
	<-rctx.Done()

	if refreshCalled.Load() {
		t.Error("refresh should not be called when refresh_token is empty")
	}
}

func TestStartRefresherCancellation(t *testing.T) {
	dbx := testutil.SetupTestDB(t)

	refreshFunc := func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		return "access", "refresh", time.Now().Add(1 * time.Hour), "scope", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	StartRefresher(ctx, dbx, "test-cancel", 1*time.Second, 15*time.Minute, refreshFunc)
	cancel()

	// The goroutine must exit promptly after cancellation.
	time.Sleep(50 * time.Millisecond)
}
