package escalation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/hupe1980/supportmesh/core"
)

// Notifier is told about new or raised escalations at high priority or above.
type Notifier interface {
	Notify(ctx context.Context, e core.Escalation) error
}

// SlackNotifier posts escalations to a Slack channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// DefaultSlackTimeout bounds a single Slack API request.
const DefaultSlackTimeout = 5 * time.Second

// NewSlackNotifier creates a notifier posting to channel with a bot token.
// Extra client options (e.g. slack.OptionAPIURL, slack.OptionHTTPClient) are
// applied after the default client.
func NewSlackNotifier(token, channel string, opts ...slack.Option) *SlackNotifier {
	opts = append([]slack.Option{slack.OptionHTTPClient(&http.Client{Timeout: DefaultSlackTimeout})}, opts...)
	return &SlackNotifier{api: slack.New(token, opts...), channel: channel}
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, e core.Escalation) error {
	text := fmt.Sprintf("[%s] escalation %s for conversation %s (%s)", e.Priority, e.ID, e.ConversationID, e.Trigger)
	if e.Reason != "" {
		text += ": " + e.Reason
	}

	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}
