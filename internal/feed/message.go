package feed

import (
	"encoding/json"
	"fmt"
)

// SwapEvent is one enhanced transaction event from the stream.
type SwapEvent struct {
	Type           string          `json:"type"`
	FeePayer       string          `json:"feePayer"`
	Signature      string          `json:"signature"`
	Timestamp      int64           `json:"timestamp"`
	TokenTransfers []TokenTransfer `json:"tokenTransfers"`
}

// TokenTransfer is the token leg of a swap event.
type TokenTransfer struct {
	Mint        string  `json:"mint"`
	FromUser    string  `json:"fromUserAccount"`
	ToUser      string  `json:"toUserAccount"`
	TokenAmount float64 `json:"tokenAmount"`
}

type subscriptionEnvelope struct {
	Method string `json:"method"`
	Params *struct {
		Result json.RawMessage `json:"result"`
	} `json:"params"`
}

// ParseEvents decodes a raw stream message into swap events. The stream
// delivers either a bare event, an array of events, or a JSON-RPC
// notification envelope wrapping one event. Subscription acknowledgements
// yield no events and no error.
func ParseEvents(data []byte) ([]SwapEvent, error) {
	trimmed := firstByte(data)

	if trimmed == '[' {
		var events []SwapEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("malformed event array: %w", err)
		}
		return events, nil
	}

	var envelope subscriptionEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	if envelope.Params != nil && len(envelope.Params.Result) > 0 {
		var ev SwapEvent
		if err := json.Unmarshal(envelope.Params.Result, &ev); err != nil {
			return nil, fmt.Errorf("malformed notification: %w", err)
		}
		return []SwapEvent{ev}, nil
	}

	// Subscription acknowledgement or unrelated control frame.
	if envelope.Method == "" && envelope.Params == nil {
		var ev SwapEvent
		if err := json.Unmarshal(data, &ev); err == nil && ev.Type != "" {
			return []SwapEvent{ev}, nil
		}
		return nil, nil
	}

	return nil, nil
}

func firstByte(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
