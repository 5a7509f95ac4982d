// Package solana is a thin JSON-RPC client for the pieces of the chain this
// engine needs: signature history, parsed transfers, balances and raw
// transaction submission. All calls share one rate limiter so bursts of
// extraction work cannot starve the trading path's RPC quota.
package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/solfollow/engine/internal/logger"
	"github.com/solfollow/engine/internal/models"
)

// Client provides access to a Solana JSON-RPC node.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
	wallet     *Wallet
	pageSize   int
}

// NewClient creates a rate-limited RPC client. wallet may be nil for
// read-only use.
func NewClient(rpcURL string, timeout time.Duration, requestsPerSecond float64, burst int, pageSize int, wallet *Wallet) *Client {
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		wallet:     wallet,
		pageSize:   pageSize,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request with retry on transport and server
// errors, decoding the result into out.
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	maxRetries := 3
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}

		var rpcResp rpcResponse
		err = json.NewDecoder(resp.Body).Decode(&rpcResp)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to decode %s response: %w", method, err)
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		if rpcResp.Error != nil {
			return fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
		}
		if out != nil {
			if err := json.Unmarshal(rpcResp.Result, out); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	}

	return fmt.Errorf("%s: max retries exceeded: %w", method, lastErr)
}

type signatureInfo struct {
	Signature string          `json:"signature"`
	Err       json.RawMessage `json:"err"`
}

// Signatures lists up to limit transaction signatures for address, newest
// first, paginating with the before cursor. Failed transactions are skipped.
func (c *Client) Signatures(ctx context.Context, address string, limit int) ([]string, error) {
	var sigs []string
	before := ""

	for len(sigs) < limit {
		page := c.pageSize
		if remaining := limit - len(sigs); remaining < page {
			page = remaining
		}
		opts := map[string]interface{}{"limit": page}
		if before != "" {
			opts["before"] = before
		}

		var infos []signatureInfo
		if err := c.call(ctx, "getSignaturesForAddress", []interface{}{address, opts}, &infos); err != nil {
			return nil, err
		}
		if len(infos) == 0 {
			break
		}

		for _, info := range infos {
			if string(info.Err) != "" && string(info.Err) != "null" {
				continue
			}
			sigs = append(sigs, info.Signature)
		}
		before = infos[len(infos)-1].Signature
		if len(infos) < page {
			break
		}
	}

	if len(sigs) > limit {
		sigs = sigs[:limit]
	}
	return sigs, nil
}

type parsedInstruction struct {
	Parsed *struct {
		Type string `json:"type"`
		Info struct {
			Source      string      `json:"source"`
			Destination string      `json:"destination"`
			Lamports    json.Number `json:"lamports"`
		} `json:"info"`
	} `json:"parsed"`
}

type parsedTransaction struct {
	Meta *struct {
		Err               json.RawMessage `json:"err"`
		PreBalances       []uint64        `json:"preBalances"`
		PostBalances      []uint64        `json:"postBalances"`
		PreTokenBalances  []tokenBalance  `json:"preTokenBalances"`
		PostTokenBalances []tokenBalance  `json:"postTokenBalances"`
		InnerInstructions []struct {
			Instructions []parsedInstruction `json:"instructions"`
		} `json:"innerInstructions"`
	} `json:"meta"`
	Transaction *struct {
		Message struct {
			AccountKeys []struct {
				Pubkey string `json:"pubkey"`
			} `json:"accountKeys"`
			Instructions []parsedInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

type tokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount json.Number `json:"amount"`
	} `json:"uiTokenAmount"`
}

func (c *Client) parsedTransaction(ctx context.Context, signature string) (*parsedTransaction, error) {
	opts := map[string]interface{}{
		"encoding":                       "jsonParsed",
		"maxSupportedTransactionVersion": 0,
	}
	var tx parsedTransaction
	if err := c.call(ctx, "getTransaction", []interface{}{signature, opts}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Transfers returns the parsed transfer instructions of one confirmed
// transaction, top-level and inner. Unknown transactions and transactions
// that failed on chain yield an empty list.
func (c *Client) Transfers(ctx context.Context, signature string) ([]models.Transfer, error) {
	tx, err := c.parsedTransaction(ctx, signature)
	if err != nil {
		return nil, err
	}
	if tx.Transaction == nil || tx.Meta == nil {
		return nil, nil
	}
	if string(tx.Meta.Err) != "" && string(tx.Meta.Err) != "null" {
		return nil, nil
	}

	var transfers []models.Transfer
	appendTransfer := func(in parsedInstruction) {
		if in.Parsed == nil || in.Parsed.Type != "transfer" {
			return
		}
		lamports, err := in.Parsed.Info.Lamports.Int64()
		if err != nil || lamports < 0 {
			return
		}
		transfers = append(transfers, models.Transfer{
			Source:      in.Parsed.Info.Source,
			Destination: in.Parsed.Info.Destination,
			Lamports:    uint64(lamports),
		})
	}

	for _, in := range tx.Transaction.Message.Instructions {
		appendTransfer(in)
	}
	for _, inner := range tx.Meta.InnerInstructions {
		for _, in := range inner.Instructions {
			appendTransfer(in)
		}
	}
	return transfers, nil
}

// Balance returns the trading wallet's spendable balance in SOL.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	if c.wallet == nil {
		return 0, fmt.Errorf("no wallet configured")
	}
	var result struct {
		Value uint64 `json:"value"`
	}
	opts := map[string]interface{}{"commitment": "confirmed"}
	if err := c.call(ctx, "getBalance", []interface{}{c.wallet.Address(), opts}, &result); err != nil {
		return 0, err
	}
	return float64(result.Value) / models.LamportsPerSOL, nil
}

// SendTransaction submits a base64-serialized signed transaction and returns
// its signature. Preflight is skipped; the caller confirms separately.
func (c *Client) SendTransaction(ctx context.Context, signedBase64 string) (string, error) {
	opts := map[string]interface{}{"encoding": "base64", "skipPreflight": true}
	var signature string
	if err := c.call(ctx, "sendTransaction", []interface{}{signedBase64, opts}, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// ConfirmTransaction polls signature status until the transaction is
// confirmed, it fails on chain, or ctx expires.
func (c *Client) ConfirmTransaction(ctx context.Context, signature string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var result struct {
			Value []*struct {
				ConfirmationStatus string          `json:"confirmationStatus"`
				Err                json.RawMessage `json:"err"`
			} `json:"value"`
		}
		err := c.call(ctx, "getSignatureStatuses", []interface{}{[]string{signature}}, &result)
		if err != nil {
			logger.Debug("Signature status check failed: %v", err)
		} else if len(result.Value) == 1 && result.Value[0] != nil {
			status := result.Value[0]
			if string(status.Err) != "" && string(status.Err) != "null" {
				return fmt.Errorf("transaction %s failed on chain: %s", models.ShortAddress(signature), status.Err)
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation of %s: %w", models.ShortAddress(signature), ctx.Err())
		case <-ticker.C:
		}
	}
}

// FillAmounts reads the confirmed transaction's balance deltas for the
// trading wallet: lamports for the native side, raw token amounts otherwise.
// The returned values are absolute.
func (c *Client) FillAmounts(ctx context.Context, signature, inputMint, outputMint string) (spent, received uint64, err error) {
	if c.wallet == nil {
		return 0, 0, fmt.Errorf("no wallet configured")
	}
	tx, err := c.parsedTransaction(ctx, signature)
	if err != nil {
		return 0, 0, err
	}
	if tx.Transaction == nil || tx.Meta == nil {
		return 0, 0, fmt.Errorf("transaction %s not found", models.ShortAddress(signature))
	}

	owner := c.wallet.Address()
	delta := func(mint string) int64 {
		if mint == models.NativeMint {
			// The fee payer is always account 0.
			if len(tx.Meta.PreBalances) == 0 || len(tx.Meta.PostBalances) == 0 {
				return 0
			}
			return int64(tx.Meta.PostBalances[0]) - int64(tx.Meta.PreBalances[0])
		}
		var pre, post int64
		for _, b := range tx.Meta.PreTokenBalances {
			if b.Mint == mint && b.Owner == owner {
				if v, err := b.UITokenAmount.Amount.Int64(); err == nil {
					pre += v
				}
			}
		}
		for _, b := range tx.Meta.PostTokenBalances {
			if b.Mint == mint && b.Owner == owner {
				if v, err := b.UITokenAmount.Amount.Int64(); err == nil {
					post += v
				}
			}
		}
		return post - pre
	}

	in := delta(inputMint)
	out := delta(outputMint)
	if in >= 0 || out <= 0 {
		return 0, 0, fmt.Errorf("transaction %s has no fill for %s -> %s",
			models.ShortAddress(signature), models.ShortAddress(inputMint), models.ShortAddress(outputMint))
	}
	return uint64(-in), uint64(out), nil
}
