// Package lineapi adapts the LINE Messaging API SDK: webhook verification and
// event conversion on the way in, replies and content downloads on the way out.
package lineapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"github.com/onnwee/line-sheets/media"
)

// ClientOptions overrides SDK defaults; the zero value talks to api.line.me.
type ClientOptions struct {
	APIEndpoint  string
	DataEndpoint string
	MaxBytes     int64
	Timeout      time.Duration
}

// Client sends replies and downloads message content.
type Client struct {
	api      *messaging_api.MessagingApiAPI
	blob     *messaging_api.MessagingApiBlobAPI
	maxBytes int64
}

func NewClient(channelToken string, opts ClientOptions) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 20 << 20
	}
	httpClient := &http.Client{Timeout: opts.Timeout}

	apiOpts := []messaging_api.MessagingApiAPIOption{messaging_api.WithHTTPClient(httpClient)}
	if opts.APIEndpoint != "" {
		apiOpts = append(apiOpts, messaging_api.WithEndpoint(opts.APIEndpoint))
	}
	api, err := messaging_api.NewMessagingApiAPI(channelToken, apiOpts...)
	if err != nil {
		return nil, fmt.Errorf("line messaging client: %w", err)
	}

	blobOpts := []messaging_api.MessagingApiBlobAPIOption{messaging_api.WithBlobHTTPClient(httpClient)}
	if opts.DataEndpoint != "" {
		blobOpts = append(blobOpts, messaging_api.WithBlobEndpoint(opts.DataEndpoint))
	}
	blob, err := messaging_api.NewMessagingApiBlobAPI(channelToken, blobOpts...)
	if err != nil {
		return nil, fmt.Errorf("line blob client: %w", err)
	}
	return &Client{api: api, blob: blob, maxBytes: opts.MaxBytes}, nil
}

// Reply sends one text message for replyToken. The SDK client is shared
// across requests, so calls are bounded by the HTTP client timeout rather than ctx.
func (c *Client) Reply(ctx context.Context, replyToken, text string) error {
	_, err := c.api.ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   []messaging_api.MessageInterface{messaging_api.TextMessage{Text: text}},
	})
	if err != nil {
		return fmt.Errorf("line reply: %w", err)
	}
	return nil
}

// FetchContent downloads the binary content of a message, up to the size limit.
func (c *Client) FetchContent(ctx context.Context, messageID string) ([]byte, error) {
	resp, err := c.blob.GetMessageContent(messageID)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("line get content %s: %w", messageID, err)
	}
	data, err := media.ReadAllWithLimit(resp.Body, c.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("line read content %s: %w", messageID, err)
	}
	return data, nil
}
