package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/onnwee/chat-relay/backend/provider"
)

// MockYouTubeServer creates a test server that mocks YouTube Data API responses
type MockYouTubeServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockYouTubeServer creates a new mock YouTube API server
func NewMockYouTubeServer(t *testing.T) *MockYouTubeServer {
	t.Helper()
	m := &MockYouTubeServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockActiveBroadcast adds a handler for the liveBroadcasts endpoint that
// returns a single active broadcast with the given live chat id. Pass an
// empty id to simulate no active broadcast.
func (m *MockYouTubeServer) MockActiveBroadcast(liveChatID string) {
	m.Handlers["/youtube/v3/liveBroadcasts"] = func(w http.ResponseWriter, r *http.Request) {
		items := []map[string]interface{}{}
		if liveChatID != "" {
			items = append(items, map[string]interface{}{
				"id": "broadcast-1",
				"snippet": map[string]string{
					"liveChatId": liveChatID,
				},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": items}) //nolint:errcheck // test mock response
	}
}

// ChatItem is a compact description of a mocked live chat message.
type ChatItem struct {
	ID          string
	AuthorID    string
	AuthorName  string
	Text        string
	PublishedAt string
	Moderator   bool
	Owner       bool
	Sponsor     bool
}

// MockChatMessages adds a handler for the liveChat/messages endpoint
// returning the given items, page token, and polling interval.
func (m *MockYouTubeServer) MockChatMessages(items []ChatItem, nextPageToken string, pollMillis int64) {
	m.Handlers["/youtube/v3/liveChat/messages"] = func(w http.ResponseWriter, r *http.Request) {
		out := make([]map[string]interface{}, 0, len(items))
		for _, it := range items {
			out = append(out, map[string]interface{}{
				"id": it.ID,
				"snippet": map[string]interface{}{
					"displayMessage": it.Text,
					"publishedAt":    it.PublishedAt,
					"type":           "textMessageEvent",
				},
				"authorDetails": map[string]interface{}{
					"channelId":       it.AuthorID,
					"displayName":     it.AuthorName,
					"isChatModerator": it.Moderator,
					"isChatOwner":     it.Owner,
					"isChatSponsor":   it.Sponsor,
				},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"items":                 out,
			"nextPageToken":         nextPageToken,
			"pollingIntervalMillis": pollMillis,
		})
	}
}

// MockChatError makes the liveChat/messages endpoint fail with a
// structured googleapi error carrying the given status and reason.
func (m *MockYouTubeServer) MockChatError(status int, reason string) {
	m.Handlers["/youtube/v3/liveChat/messages"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"error": map[string]interface{}{
				"code": status,
				"errors": []map[string]string{
					{"reason": reason},
				},
			},
		})
	}
}

// FakeGateway is a scripted provider.Gateway for tracker and poller tests.
// Each call pops the next scripted result; the last one repeats once the
// script runs out.
type FakeGateway struct {
	mu sync.Mutex

	Sessions     []string
	SessionErrs  []error
	sessionCalls int

	Fetches    []provider.FetchResult
	FetchErrs  []error
	fetchCalls int

	FetchedCursors  []string
	FetchedSessions []string
}

func (f *FakeGateway) ResolveActiveSession(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.sessionCalls
	if i >= len(f.Sessions) {
		i = len(f.Sessions) - 1
	}
	f.sessionCalls++
	if i < 0 {
		return "", nil
	}
	var err error
	if i < len(f.SessionErrs) {
		err = f.SessionErrs[i]
	}
	return f.Sessions[i], err
}

func (f *FakeGateway) FetchEvents(ctx context.Context, sessionID, cursor string) (provider.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchedSessions = append(f.FetchedSessions, sessionID)
	f.FetchedCursors = append(f.FetchedCursors, cursor)
	i := f.fetchCalls
	if i >= len(f.Fetches) {
		i = len(f.Fetches) - 1
	}
	f.fetchCalls++
	if i < 0 {
		return provider.FetchResult{}, nil
	}
	var err error
	if i < len(f.FetchErrs) {
		err = f.FetchErrs[i]
	}
	return f.Fetches[i], err
}

// FetchCalls reports how many times FetchEvents has been invoked.
func (f *FakeGateway) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// Cursors returns the cursor passed to each FetchEvents call.
func (f *FakeGateway) Cursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.FetchedCursors...)
}

// SessionsFetched returns the session id passed to each FetchEvents call.
func (f *FakeGateway) SessionsFetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.FetchedSessions...)
}
