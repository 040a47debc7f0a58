package external

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"resolver/internal/types"
)

// DefaultBotAPIURL is the public Bot API endpoint.
const DefaultBotAPIURL = "https://api.telegram.org"

// maxBotResponseSize caps decoded Bot API responses.
const maxBotResponseSize = 1 << 20

// LabeledPrice is one line of an invoice.
type LabeledPrice struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

// InvoiceMessage is the sendInvoice request. Payload is returned verbatim by
// the platform in pre_checkout_query and successful_payment updates.
type InvoiceMessage struct {
	ChatID      int64          `json:"chat_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Payload     string         `json:"payload"`
	Currency    string         `json:"currency"`
	Prices      []LabeledPrice `json:"prices"`
}

type answerPreCheckoutRequest struct {
	PreCheckoutQueryID string `json:"pre_checkout_query_id"`
	OK                 bool   `json:"ok"`
	ErrorMessage       string `json:"error_message,omitempty"`
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// BotClient calls the chat platform Bot API.
type BotClient struct {
	base   *BaseClient
	apiURL string
	token  types.SecretString
	logger *slog.Logger
}

// NewBotClient returns a client for the bot identified by token.
func NewBotClient(apiURL string, token types.SecretString, logger *slog.Logger, opts ...BaseClientOption) *BotClient {
	if apiURL == "" {
		apiURL = DefaultBotAPIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BotClient{
		base:   NewBaseClient(nil, "bot-api", "resolver-ledger/1.0", opts...),
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  token,
		logger: logger,
	}
}

// Base exposes the underlying BaseClient.
func (c *BotClient) Base() *BaseClient {
	return c.base
}

// AnswerPreCheckoutQuery accepts or rejects a pending charge. The platform
// requires an answer within 10 seconds of the query.
func (c *BotClient) AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	req := answerPreCheckoutRequest{PreCheckoutQueryID: queryID, OK: ok}
	if !ok {
		req.ErrorMessage = errorMessage
	}
	return c.call(ctx, "answerPreCheckoutQuery", req)
}

// SendMessage posts a plain text message to chatID.
func (c *BotClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text})
}

// SendInvoice posts an invoice to msg.ChatID.
func (c *BotClient) SendInvoice(ctx context.Context, msg InvoiceMessage) error {
	return c.call(ctx, "sendInvoice", msg)
}

func (c *BotClient) call(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode bot api request", err)
	}

	endpoint := c.apiURL + "/bot" + c.token.Unmask() + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		// The error text would contain the token.
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build bot api request", nil)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "bot api call failed",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	var out botResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBotResponseSize)).Decode(&out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamPlatform, "unreadable bot api response", err).
			WithDetails(map[string]any{"method": method, "status": resp.StatusCode})
	}

	if !out.OK {
		c.logger.WarnContext(ctx, "bot api rejected call",
			slog.String("method", method),
			slog.Int("error_code", out.ErrorCode),
			slog.String("description", out.Description),
		)
		return types.NewAppError(types.ErrCodeUpstreamPlatformRejected, out.Description, nil).
			WithDetails(map[string]any{"method": method, "error_code": out.ErrorCode})
	}

	return nil
}
