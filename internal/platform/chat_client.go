package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"paysupport/internal/config"
)

type chatClient struct {
	api       *apiClient
	botUserID string
}

// NewChatClient 聊天平台客户端，消息都以机器人身份发送
func NewChatClient(cfg config.EndpointConfig, botUserID string) ChatClient {
	return &chatClient{api: newAPIClient(cfg), botUserID: botUserID}
}

func channelPath(channelURL string) string {
	return "/v3/group_channels/" + url.PathEscape(channelURL)
}

func (c *chatClient) SendMessage(ctx context.Context, channelURL, text string) error {
	body := map[string]interface{}{
		"message_type": "MESG",
		"user_id":      c.botUserID,
		"message":      text,
	}
	return c.api.do(ctx, http.MethodPost, channelPath(channelURL)+"/messages", body, nil)
}

func (c *chatClient) ListMessages(ctx context.Context, channelURL string, since time.Time) ([]ChatMessage, error) {
	var resp struct {
		Messages []struct {
			MessageID int64  `json:"message_id"`
			Message   string `json:"message"`
			CreatedAt int64  `json:"created_at"`
			User      struct {
				UserID string `json:"user_id"`
			} `json:"user"`
		} `json:"messages"`
	}

	path := fmt.Sprintf("%s/messages?message_ts=%d&prev_limit=0&next_limit=100", channelPath(channelURL), since.UnixMilli())
	if err := c.api.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	messages := make([]ChatMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		messages = append(messages, ChatMessage{
			MessageID: fmt.Sprintf("%d", m.MessageID),
			UserID:    m.User.UserID,
			Text:      m.Message,
			CreatedAt: time.UnixMilli(m.CreatedAt),
		})
	}
	return messages, nil
}

func (c *chatClient) InviteUsers(ctx context.Context, channelURL string, userIDs []string) error {
	body := map[string]interface{}{"user_ids": userIDs}
	return c.api.do(ctx, http.MethodPost, channelPath(channelURL)+"/invite", body, nil)
}
