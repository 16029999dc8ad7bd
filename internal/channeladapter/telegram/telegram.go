// Package telegram implements a dispatch.ChannelAdapter over the Telegram
// Bot API, adapted from the teacher's internal/telemetry/telegram.go
// long-polling admin bot: same raw-HTTP getUpdates loop and offset
// tracking, retargeted from admin slash commands to inbound chat messages
// that feed the dispatcher.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	telegramAPIURL = "https://api.telegram.org/bot%s/%s"
	pollingTimeout = 30 * time.Second
	requestTimeout = 10 * time.Second
)

// InboundHandler is called for every inbound chat message the bot receives.
type InboundHandler func(ctx context.Context, chatID, text string)

// Bot is a long-polling Telegram Bot API client satisfying
// dispatch.ChannelAdapter.
type Bot struct {
	token   string
	client  *http.Client
	onInput InboundHandler
}

// update mirrors the subset of the Telegram getUpdates response this
// adapter needs.
type update struct {
	UpdateID int `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

// New constructs a Bot. onInput is invoked for each inbound message once
// polling starts; pass dispatch.Dispatcher.Handle wrapped to build a
// dispatch.RoutedMessage with ChannelType "telegram".
func New(token string, onInput InboundHandler) *Bot {
	return &Bot{
		token:   token,
		client:  &http.Client{Timeout: pollingTimeout + 5*time.Second},
		onInput: onInput,
	}
}

// Send implements dispatch.ChannelAdapter: it posts a plain-text message to
// the given chat id.
func (b *Bot) Send(ctx context.Context, chatID string, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal telegram sendMessage payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf(telegramAPIURL, b.token, "sendMessage")
	req, err := http.NewRequestWithContext(reqCtx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build telegram sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sendMessage failed: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// StartPolling begins the getUpdates long-poll loop in a background
// goroutine. It runs until ctx is cancelled.
func (b *Bot) StartPolling(ctx context.Context) {
	go func() {
		offset := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			updates, err := b.getUpdates(ctx, offset)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				log.Printf("[telegram] getUpdates failed: %v", err)
				time.Sleep(5 * time.Second)
				continue
			}

			for _, u := range updates {
				if u.Message == nil || u.Message.Text == "" {
					continue
				}
				chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
				if b.onInput != nil {
					b.onInput(ctx, chatID, u.Message.Text)
				}
				if u.UpdateID >= offset {
					offset = u.UpdateID + 1
				}
			}
		}
	}()
}

func (b *Bot) getUpdates(ctx context.Context, offset int) ([]update, error) {
	url := fmt.Sprintf(telegramAPIURL, b.token, fmt.Sprintf("getUpdates?offset=%d&timeout=%.0f", offset, pollingTimeout.Seconds()))

	reqCtx, cancel := context.WithTimeout(ctx, pollingTimeout+5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "GET", url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed struct {
		Result []update `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode telegram getUpdates response: %w", err)
	}
	return parsed.Result, nil
}
