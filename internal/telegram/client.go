// Package telegram provides trade and extraction notifications plus a small
// command interface via the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/solfollow/engine/internal/logger"
	"github.com/solfollow/engine/internal/models"
)

// Client handles Telegram notifications and inbound commands.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration

	statusFn  func() string
	extractFn func(mint string) error
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// OnStatus registers the handler backing the /status command.
func (c *Client) OnStatus(fn func() string) {
	c.statusFn = fn
}

// OnExtract registers the handler backing the /extract command.
func (c *Client) OnExtract(fn func(mint string) error) {
	c.extractFn = fn
}

// ListenForCommands starts a goroutine that polls for Telegram updates and
// handles bot commands. It returns immediately; the goroutine stops when ctx
// is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		c.reply(msg.Chat.ID, "Pong")
	case "status":
		if c.statusFn == nil {
			return
		}
		c.reply(msg.Chat.ID, c.statusFn())
	case "extract":
		if c.extractFn == nil {
			return
		}
		mint := strings.TrimSpace(msg.CommandArguments())
		if mint == "" {
			c.reply(msg.Chat.ID, "Usage: /extract <mint>")
			return
		}
		go func() {
			if err := c.extractFn(mint); err != nil {
				c.reply(msg.Chat.ID, fmt.Sprintf("Extraction rejected: %v", err))
			}
		}()
	}
}

func (c *Client) reply(chatID int64, text string) {
	if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logger.Warn("Telegram reply failed: %v", err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// BuyFired notifies that a consensus trigger opened a position.
func (c *Client) BuyFired(mint string, alphaCount uint, targetPct, sizeSOL float64) error {
	return c.sendMarkdownV2(formatBuy(mint, alphaCount, targetPct, sizeSOL))
}

// Sold notifies that a position hit its target and closed.
func (c *Client) Sold(mint string, profitPct, profitSOL, newBuySOL float64) error {
	return c.sendMarkdownV2(formatSell(mint, profitPct, profitSOL, newBuySOL))
}

// LowBalance notifies that an open was skipped for lack of funds.
func (c *Client) LowBalance(requiredSOL float64) error {
	text := fmt.Sprintf("⚠️ *Buy skipped — low balance*\nNeed %s SOL",
		escapeMarkdownV2(fmt.Sprintf("%.4f", requiredSOL)))
	return c.sendMarkdownV2(text)
}

// ExtractionStarted notifies that a historical scan began.
func (c *Client) ExtractionStarted(mint string) error {
	text := fmt.Sprintf("⛏️ *Moonshot added*\n`%s`\nExtracting early buyers\\.\\.\\.",
		escapeMarkdownV2(mint))
	return c.sendMarkdownV2(text)
}

// ExtractionCompleted notifies how many buyers a scan recorded.
func (c *Client) ExtractionCompleted(mint string, buyers int) error {
	text := fmt.Sprintf("⛏️ *Extraction complete*\n`%s`\n%d early buyers recorded",
		escapeMarkdownV2(mint), buyers)
	return c.sendMarkdownV2(text)
}

func formatBuy(mint string, alphaCount uint, targetPct, sizeSOL float64) string {
	return fmt.Sprintf("🚀 *Consensus buy*\n`%s`\n%d alphas · %s SOL · target \\+%s%%",
		escapeMarkdownV2(mint),
		alphaCount,
		escapeMarkdownV2(fmt.Sprintf("%.3f", sizeSOL)),
		escapeMarkdownV2(fmt.Sprintf("%.0f", targetPct)))
}

func formatSell(mint string, profitPct, profitSOL, newBuySOL float64) string {
	return fmt.Sprintf("💰 *Target hit*\n`%s`\n\\+%s%% \\(%s SOL\\)\nNext buy: %s SOL",
		escapeMarkdownV2(mint),
		escapeMarkdownV2(fmt.Sprintf("%.1f", profitPct)),
		escapeMarkdownV2(fmt.Sprintf("%.3f", profitSOL)),
		escapeMarkdownV2(fmt.Sprintf("%.3f", newBuySOL)))
}

// FormatLeaderboard renders the golden alpha board for /status replies.
func FormatLeaderboard(entries []models.LeaderboardEntry) string {
	if len(entries) == 0 {
		return "No golden alphas yet"
	}
	var b strings.Builder
	b.WriteString("Golden alphas:\n")
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. %s  score %.1f  win %.0f%%  vol %.1f SOL\n",
			i+1, models.ShortAddress(e.Wallet), e.Score, e.WinRate*100, e.Volume)
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
