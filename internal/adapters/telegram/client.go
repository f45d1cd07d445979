// Package telegram binds the moderation engine to the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	ngerrors "github.com/iamwavecut/ngmod/internal/errors"
)

const (
	memberCountTTL  = 10 * time.Minute
	maxDownloadSize = 10 << 20
)

// goneMarkers are API error fragments meaning the target no longer exists.
var goneMarkers = []string{
	"message to delete not found",
	"message to edit not found",
	"user not found",
	"participant_id_invalid",
	"user_not_participant",
	"member not found",
}

// Client wraps the Bot API with request throttling and maps "already gone"
// failures to errors.ErrGone.
type Client struct {
	bot     *api.BotAPI
	limiter *rate.Limiter
	members *expirable.LRU[int64, int]
}

func NewClient(bot *api.BotAPI, requestsPerSecond float64) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 25
	}
	return &Client{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), max(1, int(requestsPerSecond))),
		members: expirable.NewLRU[int64, int](4096, nil, memberCountTTL),
	}
}

func (c *Client) request(ctx context.Context, chattable api.Chattable) (*api.APIResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.bot.Request(chattable)
	if err != nil {
		return resp, mapError(err)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, chattable api.Chattable) (api.Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return api.Message{}, err
	}
	msg, err := c.bot.Send(chattable)
	if err != nil {
		return msg, mapError(err)
	}
	return msg, nil
}

func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if _, err := c.request(ctx, api.NewDeleteMessage(chatID, messageID)); err != nil {
		return errors.WithMessage(err, "cant delete")
	}
	return nil
}

func (c *Client) BanUser(ctx context.Context, chatID, userID int64) error {
	if _, err := c.request(ctx, api.BanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
		RevokeMessages: true,
	}); err != nil {
		return errors.WithMessage(err, "cant ban")
	}
	return nil
}

// MemberCount returns the chat size, cached for a few minutes.
func (c *Client) MemberCount(ctx context.Context, chatID int64) (int, error) {
	if n, ok := c.members.Get(chatID); ok {
		return n, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	n, err := c.bot.GetChatMembersCount(api.ChatMemberCountConfig{
		ChatConfig: api.ChatConfig{
			ChatID: chatID,
		},
	})
	if err != nil {
		return 0, errors.WithMessage(mapError(err), "cant count members")
	}
	c.members.Add(chatID, n)
	return n, nil
}

func (c *Client) ChatMember(ctx context.Context, chatID, userID int64) (*api.ChatMember, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	member, err := c.bot.GetChatMember(api.GetChatMemberConfig{
		ChatConfigWithUser: api.ChatConfigWithUser{
			ChatConfig: api.ChatConfig{
				ChatID: chatID,
			},
			UserID: userID,
		},
	})
	if err != nil {
		return nil, errors.WithMessage(mapError(err), "cant get chat member")
	}
	return &member, nil
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	_, err := c.request(ctx, api.NewCallback(callbackID, text))
	return err
}

// Reply answers a message in place, falling back to a plain message when the
// original is gone.
func (c *Client) Reply(ctx context.Context, chatID int64, replyTo int, text string) error {
	msg := api.NewMessage(chatID, text)
	msg.ReplyParameters = api.ReplyParameters{
		MessageID:                replyTo,
		ChatID:                   chatID,
		AllowSendingWithoutReply: true,
	}
	_, err := c.send(ctx, msg)
	return err
}

// Download fetches a file by id, refusing anything above maxDownloadSize.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url, err := c.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, errors.WithMessage(mapError(err), "cant resolve file")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.bot.Client.Do(req)
	if err != nil {
		return nil, errors.WithMessage(err, "cant download file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, errors.WithMessage(err, "cant read file")
	}
	if len(data) > maxDownloadSize {
		return nil, errors.New("file too large")
	}
	return data, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())
	for _, marker := range goneMarkers {
		if strings.Contains(text, marker) {
			return fmt.Errorf("%w: %s", ngerrors.ErrGone, err.Error())
		}
	}
	return err
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

func getLogEntry() *log.Entry {
	return log.WithField("object", "TelegramAdapter")
}
