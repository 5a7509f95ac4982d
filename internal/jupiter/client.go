// Package jupiter executes swaps through the Jupiter aggregator: quote,
// swap-transaction build, signing and bundle submission. Fill amounts are
// read back from the confirmed transaction, not from the quote.
package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/solfollow/engine/internal/logger"
	"github.com/solfollow/engine/internal/models"
	"github.com/solfollow/engine/internal/solana"
)

// Chain is the piece of the RPC client the executor needs.
type Chain interface {
	SendTransaction(ctx context.Context, signedBase64 string) (string, error)
	ConfirmTransaction(ctx context.Context, signature string) error
	FillAmounts(ctx context.Context, signature, inputMint, outputMint string) (spent, received uint64, err error)
}

// Config holds aggregator endpoints and retry policy.
type Config struct {
	BaseURL        string
	FallbackURL    string
	BlockEngineURL string
	TipLamports    uint64
	Timeout        time.Duration
	MaxRetries     int
	RetryDelayBase time.Duration
}

// Client talks to the Jupiter swap API. It implements the trading engine's
// Quoter and Executor ports.
type Client struct {
	cfg        Config
	httpClient *http.Client
	wallet     *solana.Wallet
	chain      Chain
}

const confirmTimeout = 90 * time.Second

// NewClient creates a Jupiter client signing with wallet and confirming
// through chain.
func NewClient(cfg Config, wallet *solana.Wallet, chain Chain) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		wallet:     wallet,
		chain:      chain,
	}
}

// Quote fetches a swap route, trying the primary endpoint first and falling
// back to the secondary.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*models.Quote, error) {
	params := url.Values{}
	params.Set("inputMint", inputMint)
	params.Set("outputMint", outputMint)
	params.Set("amount", strconv.FormatUint(amount, 10))
	params.Set("slippageBps", strconv.Itoa(slippageBps))

	var lastErr error
	for _, base := range c.endpoints() {
		body, err := c.doRequest(ctx, "GET", base+"/quote?"+params.Encode(), nil)
		if err != nil {
			lastErr = err
			continue
		}

		var resp struct {
			InAmount  json.Number `json:"inAmount"`
			OutAmount json.Number `json:"outAmount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			lastErr = fmt.Errorf("failed to decode quote: %w", err)
			continue
		}
		inAmount, err1 := strconv.ParseUint(resp.InAmount.String(), 10, 64)
		outAmount, err2 := strconv.ParseUint(resp.OutAmount.String(), 10, 64)
		if err1 != nil || err2 != nil || outAmount == 0 {
			lastErr = fmt.Errorf("quote has no route for %s -> %s",
				models.ShortAddress(inputMint), models.ShortAddress(outputMint))
			continue
		}

		return &models.Quote{
			InputMint:   inputMint,
			OutputMint:  outputMint,
			InAmount:    inAmount,
			OutAmount:   outAmount,
			SlippageBps: slippageBps,
			Raw:         json.RawMessage(body),
		}, nil
	}
	return nil, fmt.Errorf("quote failed on all endpoints: %w", lastErr)
}

// Execute builds, signs, submits and confirms the swap for quote, reporting
// the actual on-chain fill amounts.
func (c *Client) Execute(ctx context.Context, quote *models.Quote) (*models.Fill, error) {
	swapTx, err := c.swapTransaction(ctx, quote)
	if err != nil {
		return nil, err
	}

	signed, signature, err := c.wallet.SignTransaction(swapTx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign swap: %w", err)
	}

	if err := c.submit(ctx, signed); err != nil {
		return nil, err
	}

	confirmCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	if err := c.chain.ConfirmTransaction(confirmCtx, signature); err != nil {
		return nil, fmt.Errorf("swap not confirmed: %w", err)
	}

	spent, received, err := c.chain.FillAmounts(ctx, signature, quote.InputMint, quote.OutputMint)
	if err != nil {
		return nil, fmt.Errorf("failed to read fill for %s: %w", models.ShortAddress(signature), err)
	}

	return &models.Fill{UnitsSpent: spent, UnitsReceived: received, Signature: signature}, nil
}

// swapTransaction asks Jupiter to build the serialized swap transaction. The
// validator tip is embedded here so the bundle needs no separate tip
// transaction.
func (c *Client) swapTransaction(ctx context.Context, quote *models.Quote) (string, error) {
	payload := map[string]interface{}{
		"quoteResponse":             quote.Raw,
		"userPublicKey":             c.wallet.Address(),
		"wrapAndUnwrapSol":          true,
		"dynamicComputeUnitLimit":   true,
		"dynamicSlippage":           true,
		"prioritizationFeeLamports": map[string]uint64{"jitoTipLamports": c.cfg.TipLamports},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var lastErr error
	for _, base := range c.endpoints() {
		respBody, err := c.doRequest(ctx, "POST", base+"/swap", body)
		if err != nil {
			lastErr = err
			continue
		}
		var resp struct {
			SwapTransaction string `json:"swapTransaction"`
		}
		if err := json.Unmarshal(respBody, &resp); err != nil || resp.SwapTransaction == "" {
			lastErr = fmt.Errorf("swap response carries no transaction")
			continue
		}
		return resp.SwapTransaction, nil
	}
	return "", fmt.Errorf("swap build failed on all endpoints: %w", lastErr)
}

// submit sends the signed transaction as a single-transaction bundle through
// the block engine, falling back to plain RPC submission.
func (c *Client) submit(ctx context.Context, signed string) error {
	if c.cfg.BlockEngineURL != "" {
		if err := c.sendBundle(ctx, signed); err == nil {
			return nil
		} else {
			logger.Warn("Bundle submission failed, falling back to RPC: %v", err)
		}
	}
	_, err := c.chain.SendTransaction(ctx, signed)
	if err != nil {
		return fmt.Errorf("transaction submission failed: %w", err)
	}
	return nil
}

func (c *Client) sendBundle(ctx context.Context, signed string) error {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "sendBundle",
		"params":  []interface{}{[]string{signed}, map[string]string{"encoding": "base64"}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	respBody, err := c.doRequest(ctx, "POST", c.cfg.BlockEngineURL, body)
	if err != nil {
		return err
	}
	var resp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("failed to decode bundle response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("bundle rejected: %s", resp.Error.Message)
	}
	logger.Debug("Bundle accepted: %s", resp.Result)
	return nil
}

func (c *Client) endpoints() []string {
	if c.cfg.FallbackURL == "" {
		return []string{c.cfg.BaseURL}
	}
	return []string{c.cfg.BaseURL, c.cfg.FallbackURL}
}

// doRequest performs one HTTP request with linear-backoff retry on transport
// and server errors, returning the response body.
func (c *Client) doRequest(ctx context.Context, method, urlStr string, body []byte) ([]byte, error) {
	var lastErr error

	for i := 0; i < c.cfg.MaxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, method, urlStr, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * c.cfg.RetryDelayBase)
			continue
		}

		if resp.StatusCode >= 400 {
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d from %s", resp.StatusCode, urlStr)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				time.Sleep(time.Duration(i+1) * c.cfg.RetryDelayBase)
				continue
			}
			return nil, lastErr
		}

		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * c.cfg.RetryDelayBase)
			continue
		}
		return buf.Bytes(), nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
