// Package slack implements core.Transport over the Slack Web API: rendered
// blocks become Block Kit messages posted (and updated in place) in a channel
// or thread, and artifacts are uploaded as files.
package slack

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/slack-go/slack"

	"github.com/chatwire/chatwire/blocks"
	"github.com/chatwire/chatwire/core"
	"github.com/chatwire/chatwire/logging"
)

// Options configure the Slack transport.
type Options struct {
	// Logger receives transport diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// Transport delivers rendered blocks through the Slack Web API.
type Transport struct {
	client *slack.Client
	logger logging.Logger
}

var _ core.Transport = (*Transport)(nil)

// New creates a transport using a bot token (xoxb-).
func New(botToken string, optFns ...func(o *Options)) *Transport {
	return NewFromClient(slack.New(botToken), optFns...)
}

// NewFromClient creates a transport from an existing client.
func NewFromClient(client *slack.Client, optFns ...func(o *Options)) *Transport {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Transport{client: client, logger: opts.Logger}
}

// PostMessage creates a message and returns its handle (channel + timestamp).
func (t *Transport) PostMessage(ctx context.Context, ref core.ThreadRef, bs []blocks.Block, fallback string) (core.MessageHandle, error) {
	options := []slack.MsgOption{
		slack.MsgOptionBlocks(convertBlocks(bs)...),
		slack.MsgOptionText(fallback, false),
	}
	if ref.Thread != "" {
		options = append(options, slack.MsgOptionTS(ref.Thread))
	}

	channel, timestamp, err := t.client.PostMessageContext(ctx, ref.Channel, options...)
	if err != nil {
		return core.MessageHandle{}, fmt.Errorf("slack post message: %w", err)
	}
	t.logger.Debug("transport.slack.posted", "channel", channel, "ts", timestamp)
	return core.MessageHandle{Channel: channel, ID: timestamp}, nil
}

// UpdateMessage replaces the content of a previously posted message.
func (t *Transport) UpdateMessage(ctx context.Context, handle core.MessageHandle, bs []blocks.Block, fallback string) error {
	_, _, _, err := t.client.UpdateMessageContext(ctx, handle.Channel, handle.ID,
		slack.MsgOptionBlocks(convertBlocks(bs)...),
		slack.MsgOptionText(fallback, false),
	)
	if err != nil {
		return fmt.Errorf("slack update message: %w", err)
	}
	return nil
}

// DeleteMessage removes a previously posted message.
func (t *Transport) DeleteMessage(ctx context.Context, handle core.MessageHandle) error {
	_, _, err := t.client.DeleteMessageContext(ctx, handle.Channel, handle.ID)
	if err != nil {
		return fmt.Errorf("slack delete message: %w", err)
	}
	return nil
}

// UploadArtifact uploads a file into the thread and returns its permalink.
func (t *Transport) UploadArtifact(ctx context.Context, ref core.ThreadRef, filename string, data []byte) (string, error) {
	summary, err := t.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Filename:        filename,
		FileSize:        len(data),
		Reader:          bytes.NewReader(data),
		Channel:         ref.Channel,
		ThreadTimestamp: ref.Thread,
	})
	if err != nil {
		return "", fmt.Errorf("slack upload file: %w", err)
	}

	file, _, _, err := t.client.GetFileInfoContext(ctx, summary.ID, 0, 0)
	if err != nil {
		// The upload succeeded; fall back to the file id as the reference.
		t.logger.Warn("transport.slack.file_info_failed", "file_id", summary.ID, "error", err.Error())
		return summary.ID, nil
	}
	return file.Permalink, nil
}

// markdownLinkRe matches [title](url) links outside code spans. Slack mrkdwn
// uses <url|title> instead.
var markdownLinkRe = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)

// rewriteLinks converts Markdown link syntax to Slack's mrkdwn form.
func rewriteLinks(text string) string {
	return markdownLinkRe.ReplaceAllString(text, "<$2|$1>")
}

// convertBlocks maps rendered blocks onto Block Kit blocks.
func convertBlocks(bs []blocks.Block) []slack.Block {
	out := make([]slack.Block, 0, len(bs))
	for _, b := range bs {
		switch v := b.(type) {
		case blocks.Heading:
			out = append(out, slack.NewHeaderBlock(
				slack.NewTextBlockObject(slack.PlainTextType, v.Text, true, false),
			))
		case blocks.Paragraph:
			out = append(out, slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, rewriteLinks(v.Text), false, false),
				nil, nil,
			))
		case blocks.CodeBlock:
			fenced := "```" + strings.TrimRight(v.Text, "\n") + "```"
			out = append(out, slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, fenced, false, false),
				nil, nil,
			))
		case blocks.Image:
			alt := v.Alt
			if alt == "" {
				alt = "image"
			}
			out = append(out, slack.NewImageBlock(v.URL, alt, "", nil))
		case blocks.StatusLine:
			text := v.Text
			if v.Icon != "" {
				text = v.Icon + " " + text
			}
			out = append(out, slack.NewContextBlock("",
				slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
			))
		}
	}
	return out
}
