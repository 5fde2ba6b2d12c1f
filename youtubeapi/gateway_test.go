package youtubeapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	chatprovider "github.com/onnwee/chat-relay/backend/provider"
	"github.com/onnwee/chat-relay/backend/testutil"
)

func mockGateway(t *testing.T) (*LiveChatGateway, *testutil.MockYouTubeServer) {
	t.Helper()
	m := testutil.NewMockYouTubeServer(t)
	gw := NewLiveChatGatewayWithClient(func(ctx context.Context) (*yt.Service, error) {
		return yt.NewService(ctx, option.WithEndpoint(m.URL), option.WithoutAuthentication())
	})
	return gw, m
}

func TestResolveActiveSession(t *testing.T) {
	gw, m := mockGateway(t)
	m.MockActiveBroadcast("live-chat-123")

	got, err := gw.ResolveActiveSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live-chat-123", got)
}

func TestResolveActiveSession_NothingLive(t *testing.T) {
	gw, m := mockGateway(t)
	m.MockActiveBroadcast("")

	got, err := gw.ResolveActiveSession(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveActiveSession_ClientError(t *testing.T) {
	gw := NewLiveChatGatewayWithClient(func(ctx context.Context) (*yt.Service, error) {
		return nil, errors.New("no stored token")
	})

	_, err := gw.ResolveActiveSession(context.Background())
	require.Error(t, err)
	assert.True(t, chatprovider.IsAuthFailure(err))
}

func TestFetchEvents_MapsMessages(t *testing.T) {
	gw, m := mockGateway(t)
	m.MockChatMessages([]testutil.ChatItem{
		{
			ID:          "msg-1",
			AuthorID:    "UC-alice",
			AuthorName:  "alice",
			Text:        "hello world",
			PublishedAt: "2026-03-14T09:26:53Z",
			Moderator:   true,
		},
		{
			ID:          "msg-2",
			AuthorID:    "UC-bob",
			AuthorName:  "bob",
			Text:        "hi",
			PublishedAt: "2026-03-14T09:26:54Z",
			Sponsor:     true,
		},
	}, "page-2", 1500)

	res, err := gw.FetchEvents(context.Background(), "live-chat-123", "")
	require.NoError(t, err)

	assert.Equal(t, "page-2", res.NextCursor)
	assert.Equal(t, 1500*time.Millisecond, res.PollInterval)
	require.Len(t, res.Events, 2)

	first := res.Events[0]
	assert.Equal(t, "msg-1", first.ID)
	assert.Equal(t, "UC-alice", first.AuthorID)
	assert.Equal(t, "alice", first.AuthorName)
	assert.Equal(t, "hello world", first.Text)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC), first.PublishedAt.UTC())
	assert.True(t, first.Moderator)
	assert.True(t, first.IsPrivileged())
	assert.NotEmpty(t, first.Raw)

	second := res.Events[1]
	assert.Equal(t, "msg-2", second.ID)
	assert.True(t, second.Sponsor)
	assert.False(t, second.Moderator)
}

func TestFetchEvents_SessionEnded(t *testing.T) {
	gw, m := mockGateway(t)
	m.MockChatError(403, "liveChatEnded")

	_, err := gw.FetchEvents(context.Background(), "live-chat-123", "page-5")
	require.Error(t, err)
	assert.True(t, chatprovider.IsSessionEnded(err))
}

func TestFetchEvents_RateLimited(t *testing.T) {
	gw, m := mockGateway(t)
	m.MockChatError(403, "rateLimitExceeded")

	_, err := gw.FetchEvents(context.Background(), "live-chat-123", "")
	require.Error(t, err)
	assert.True(t, chatprovider.IsTransient(err))
}

func TestFetchEvents_AuthRejected(t *testing.T) {
	gw, m := mockGateway(t)
	m.MockChatError(401, "authError")

	_, err := gw.FetchEvents(context.Background(), "live-chat-123", "")
	require.Error(t, err)
	assert.True(t, chatprovider.IsAuthFailure(err))
}

func TestSendMessage_EmptySession(t *testing.T) {
	gw, _ := mockGateway(t)
	err := gw.SendMessage(context.Background(), "", "hello")
	assert.Error(t, err)
}

func TestClassifyFetch(t *testing.T) {
	plain := errors.New("connection reset")
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"non-api error is transient", plain, chatprovider.IsTransient},
		{"live chat ended", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "liveChatEnded"}}}, chatprovider.IsSessionEnded},
		{"live chat disabled", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "liveChatDisabled"}}}, chatprovider.IsSessionEnded},
		{"chat gone", &googleapi.Error{Code: 404}, chatprovider.IsSessionEnded},
		{"quota exceeded", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}, chatprovider.IsTransient},
		{"http 429", &googleapi.Error{Code: 429}, chatprovider.IsTransient},
		{"unauthorized", &googleapi.Error{Code: 401}, chatprovider.IsAuthFailure},
		{"forbidden", &googleapi.Error{Code: 403}, chatprovider.IsAuthFailure},
		{"server error", &googleapi.Error{Code: 500}, chatprovider.IsTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(classifyFetch(tt.err)))
		})
	}
}

func TestClassifyResolve(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, chatprovider.IsAuthFailure},
		{"forbidden", &googleapi.Error{Code: 403}, chatprovider.IsAuthFailure},
		{"rate limited forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, chatprovider.IsTransient},
		{"not found", &googleapi.Error{Code: 404}, chatprovider.IsNotFound},
		{"server error", &googleapi.Error{Code: 503}, chatprovider.IsTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(classifyResolve(tt.err)))
		})
	}
}
