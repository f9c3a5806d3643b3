package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Notifier posts a message, optionally as a reply in an existing thread, and returns the
// thread token of the posted message.
type Notifier interface {
	Post(ctx context.Context, text, thread string) (string, error)
}

// SlackNotifier posts to one channel with a bot token.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a notifier. apiURL overrides the Slack API base and must end with a slash.
func NewSlackNotifier(token, channel, apiURL string) *SlackNotifier {
	var opts []slack.Option
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackNotifier{client: slack.New(token, opts...), channel: channel}
}

func (s *SlackNotifier) Post(ctx context.Context, text, thread string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	_, ts, err := s.client.PostMessageContext(ctx, s.channel, opts...)
	if err != nil {
		return "", fmt.Errorf("slack post to %s: %w", s.channel, err)
	}
	return ts, nil
}
