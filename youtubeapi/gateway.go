package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/googleapi"
	yt "google.golang.org/api/youtube/v3"

	chatprovider "github.com/onnwee/chat-relay/backend/provider"
)

// ClientFunc yields an authorized YouTube API client. Injected so tests can
// point the gateway at an httptest server without real credentials.
type ClientFunc func(ctx context.Context) (*yt.Service, error)

// LiveChatGateway implements provider.Gateway over the YouTube Data API.
type LiveChatGateway struct {
	client ClientFunc
}

// NewLiveChatGateway returns a gateway using svc for authorized clients.
func NewLiveChatGateway(svc *Service) *LiveChatGateway {
	return &LiveChatGateway{client: svc.Client}
}

// NewLiveChatGatewayWithClient returns a gateway with a custom client source.
func NewLiveChatGatewayWithClient(fn ClientFunc) *LiveChatGateway {
	return &LiveChatGateway{client: fn}
}

// ResolveActiveSession finds the live chat id of the channel's active
// broadcast. Returns "" with nil error when nothing is live.
func (g *LiveChatGateway) ResolveActiveSession(ctx context.Context) (string, error) {
	svc, err := g.client(ctx)
	if err != nil {
		return "", chatprovider.NewError(chatprovider.KindAuthFailure, err)
	}
	res, err := svc.LiveBroadcasts.List([]string{"snippet"}).BroadcastStatus("active").Context(ctx).Do()
	if err != nil {
		return "", classifyResolve(err)
	}
	if len(res.Items) == 0 || res.Items[0].Snippet == nil {
		return "", nil
	}
	return res.Items[0].Snippet.LiveChatId, nil
}

// FetchEvents lists live chat messages for sessionID starting at cursor.
// An empty cursor fetches the provider's most recent window.
func (g *LiveChatGateway) FetchEvents(ctx context.Context, sessionID, cursor string) (chatprovider.FetchResult, error) {
	svc, err := g.client(ctx)
	if err != nil {
		return chatprovider.FetchResult{}, chatprovider.NewError(chatprovider.KindAuthFailure, err)
	}
	call := svc.LiveChatMessages.List(sessionID, []string{"snippet", "authorDetails"}).Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	res, err := call.Do()
	if err != nil {
		return chatprovider.FetchResult{}, classifyFetch(err)
	}

	out := chatprovider.FetchResult{
		NextCursor:   res.NextPageToken,
		PollInterval: time.Duration(res.PollingIntervalMillis) * time.Millisecond,
		Events:       make([]chatprovider.ChatEvent, 0, len(res.Items)),
	}
	for _, item := range res.Items {
		out.Events = append(out.Events, toEvent(item))
	}
	return out, nil
}

// SendMessage posts text to the given live chat.
func (g *LiveChatGateway) SendMessage(ctx context.Context, sessionID, text string) error {
	if sessionID == "" {
		return fmt.Errorf("send message: empty session id")
	}
	svc, err := g.client(ctx)
	if err != nil {
		return chatprovider.NewError(chatprovider.KindAuthFailure, err)
	}
	msg := &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId: sessionID,
			Type:       "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}
	if _, err := svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do(); err != nil {
		return classifyFetch(err)
	}
	return nil
}

func toEvent(item *yt.LiveChatMessage) chatprovider.ChatEvent {
	ev := chatprovider.ChatEvent{ID: item.Id}
	if item.Snippet != nil {
		ev.Text = item.Snippet.DisplayMessage
		if ev.Text == "" && item.Snippet.TextMessageDetails != nil {
			ev.Text = item.Snippet.TextMessageDetails.MessageText
		}
		if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
			ev.PublishedAt = t
		}
	}
	if item.AuthorDetails != nil {
		ev.AuthorID = item.AuthorDetails.ChannelId
		ev.AuthorName = item.AuthorDetails.DisplayName
		ev.Moderator = item.AuthorDetails.IsChatModerator
		ev.Owner = item.AuthorDetails.IsChatOwner
		ev.Sponsor = item.AuthorDetails.IsChatSponsor
	}
	if raw, err := json.Marshal(item); err == nil {
		ev.Raw = raw
	}
	return ev
}

// classifyResolve maps discovery failures to the provider taxonomy:
// 401 and most 403s are credential problems, 404 is not-found, everything
// else (rate limits included) should simply be retried.
func classifyResolve(err error) error {
	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		return chatprovider.NewError(chatprovider.KindTransient, err)
	}
	switch {
	case rateLimited(ge):
		return chatprovider.NewError(chatprovider.KindTransient, err)
	case ge.Code == 401 || ge.Code == 403:
		return chatprovider.NewError(chatprovider.KindAuthFailure, err)
	case ge.Code == 404:
		return chatprovider.NewError(chatprovider.KindNotFound, err)
	default:
		return chatprovider.NewError(chatprovider.KindTransient, err)
	}
}

// classifyFetch maps message-list failures. The API reports an ended chat as
// 403 liveChatEnded and a vanished one as 404 liveChatNotFound; both are
// terminal for the polled session.
func classifyFetch(err error) error {
	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		return chatprovider.NewError(chatprovider.KindTransient, err)
	}
	switch {
	case hasReason(ge, "liveChatEnded") || hasReason(ge, "liveChatDisabled") || hasReason(ge, "liveChatNotFound") || ge.Code == 404:
		return chatprovider.NewError(chatprovider.KindSessionEnded, err)
	case rateLimited(ge):
		return chatprovider.NewError(chatprovider.KindTransient, err)
	case ge.Code == 401 || ge.Code == 403:
		return chatprovider.NewError(chatprovider.KindAuthFailure, err)
	default:
		return chatprovider.NewError(chatprovider.KindTransient, err)
	}
}

func rateLimited(ge *googleapi.Error) bool {
	return ge.Code == 429 ||
		hasReason(ge, "rateLimitExceeded") ||
		hasReason(ge, "userRateLimitExceeded") ||
		hasReason(ge, "quotaExceeded")
}

func hasReason(ge *googleapi.Error, reason string) bool {
	for _, item := range ge.Errors {
		if item.Reason == reason {
			return true
		}
	}
	return false
}
