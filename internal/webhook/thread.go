package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	createThreadTimeout   = 30 * time.Second
	testConnectionTimeout = 10 * time.Second
)

// CreateThread starts a thread named name by posting a message with
// thread_name, and returns the new thread's id. It fails with
// ErrGroupingUnsupported when the channel is not a forum.
func (c *Client) CreateThread(ctx context.Context, name string) (string, error) {
	params := discordgo.WebhookParams{
		Content:    fmt.Sprintf("📅 **%s** screenshots", name),
		Username:   c.username,
		ThreadName: name,
	}
	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("webhook: create thread %s: %w", name, err)
	}
	target, err := c.endpoint("")
	if err != nil {
		return "", fmt.Errorf("webhook: create thread %s: %w", name, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, createThreadTimeout)
	defer cancel()
	status, _, respBody, err := c.do(reqCtx, http.MethodPost, target, "application/json", body)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return "", fmt.Errorf("webhook: create thread %s: timed out: %w", name, ErrTransientNetwork)
		}
		return "", fmt.Errorf("webhook: create thread %s: %w", name, err)
	}

	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		id := threadIDFromResponse(respBody)
		if id == "" {
			return "", fmt.Errorf("webhook: create thread %s: no thread id in response", name)
		}
		log.Printf("webhook: created thread %s (%s)", name, id)
		return id, nil
	case http.StatusBadRequest:
		se := newStatusError(status, respBody)
		if se.Code == discordgo.ErrCodeCannotExecuteActionOnThisChannelType ||
			strings.Contains(strings.ToLower(se.Message), "forum") {
			return "", fmt.Errorf("webhook: create thread %s: %w: %s", name, ErrGroupingUnsupported, se.Message)
		}
		return "", fmt.Errorf("webhook: create thread %s: %w", name, se)
	default:
		return "", fmt.Errorf("webhook: create thread %s: %w", name, newStatusError(status, respBody))
	}
}

// threadIDFromResponse prefers the embedded thread object and falls back to
// the message's channel id.
func threadIDFromResponse(body []byte) string {
	var msg discordgo.Message
	if len(body) == 0 || json.Unmarshal(body, &msg) != nil {
		return ""
	}
	if msg.Thread != nil && msg.Thread.ID != "" {
		return msg.Thread.ID
	}
	return msg.ChannelID
}

// TestConnection fetches the webhook object and returns its display name.
func (c *Client) TestConnection(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, testConnectionTimeout)
	defer cancel()
	status, _, body, err := c.do(reqCtx, http.MethodGet, c.url, "", nil)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return "", fmt.Errorf("webhook: test connection: connection timed out: %w", ErrTransientNetwork)
		}
		return "", fmt.Errorf("webhook: test connection: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("webhook: test connection: %w", newStatusError(status, body))
	}
	var wh discordgo.Webhook
	if err := json.Unmarshal(body, &wh); err != nil || wh.Name == "" {
		return "Unknown", nil
	}
	return wh.Name, nil
}

// IsGroupingUnsupported reports whether err means the channel cannot hold
// threads.
func IsGroupingUnsupported(err error) bool {
	return errors.Is(err, ErrGroupingUnsupported)
}
