package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// PayloadKind tags the shape of a provider response
type PayloadKind int

// Provider response shapes
const (
	PayloadStructured PayloadKind = iota
	PayloadScalar
	PayloadConfirmationOnly
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadStructured:
		return "structured"
	case PayloadScalar:
		return "scalar"
	case PayloadConfirmationOnly:
		return "confirmation_only"
	default:
		return "unknown"
	}
}

// Payload is the unwrapped content of a provider response.
// Exactly one of Structured or Scalar is meaningful, selected by Kind.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	// Structured is a JSON object or array
	Structured any `json:"structured,omitempty"`

	Scalar string `json:"scalar,omitempty"`

	// ContentKey names the wrapper field the content was lifted from, if any
	ContentKey string `json:"contentKey,omitempty"`
}

// Text renders the payload for an LLM caller
func (p Payload) Text() string {
	if p.Kind == PayloadScalar {
		return p.Scalar
	}
	b, err := json.Marshal(p.Structured)
	if err != nil {
		return fmt.Sprint(p.Structured)
	}
	return string(b)
}

// PlaceholderDataWarning flags a paid response that carries payment metadata only
type PlaceholderDataWarning struct {
	Resource string
	Fields   []string
}

func (w *PlaceholderDataWarning) String() string {
	return fmt.Sprintf("%s returned only payment confirmation fields (%s) and no content",
		w.Resource, strings.Join(w.Fields, ", "))
}

// Wrapper fields providers commonly nest the real content under, in lookup order
var contentKeys = []string{
	"data", "result", "results", "content", "response", "output",
	"answer", "report", "research", "items", "text", "message",
}

// Fields that describe a payment rather than content
var confirmationKeys = map[string]bool{
	"success": true, "status": true, "ok": true,
	"payer": true, "payee": true, "payto": true, "from": true, "to": true,
	"amount": true, "value": true, "currency": true, "asset": true, "token": true,
	"network": true, "chain": true, "chainid": true,
	"transaction": true, "transactionhash": true, "txhash": true, "tx": true, "hash": true,
	"receipt": true, "timestamp": true, "nonce": true,
	"url": true, "link": true, "href": true,
}

// ExtractPayload classifies a response body and lifts nested content out of common wrappers
func ExtractPayload(body []byte) Payload {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Payload{Kind: PayloadScalar}
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return Payload{Kind: PayloadScalar, Scalar: string(trimmed)}
	}

	switch x := v.(type) {
	case map[string]any:
		if isConfirmationOnly(x) {
			return Payload{Kind: PayloadConfirmationOnly, Structured: x}
		}
		for _, k := range contentKeys {
			inner, ok := x[k]
			if !ok || isEmpty(inner) {
				continue
			}
			p := classifyValue(inner)
			p.ContentKey = k
			return p
		}
		return Payload{Kind: PayloadStructured, Structured: x}
	default:
		return classifyValue(x)
	}
}

func classifyValue(v any) Payload {
	switch x := v.(type) {
	case map[string]any, []any:
		return Payload{Kind: PayloadStructured, Structured: x}
	case string:
		return Payload{Kind: PayloadScalar, Scalar: x}
	case nil:
		return Payload{Kind: PayloadScalar}
	default:
		return Payload{Kind: PayloadScalar, Scalar: fmt.Sprint(x)}
	}
}

// isConfirmationOnly reports whether every field is payment metadata and at least one
// identifies a payer or transaction
func isConfirmationOnly(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	marker := false
	for k := range m {
		key := strings.ToLower(k)
		if isTxKey(key) || key == "payer" {
			marker = true
			continue
		}
		if !confirmationKeys[key] {
			return false
		}
	}
	return marker
}

// isTxKey matches transaction references such as "txHash", "USDC_tx" or "transaction_id".
// Content hashes like "file_hash" are not transaction references.
func isTxKey(key string) bool {
	key = strings.ReplaceAll(key, "-", "_")
	switch {
	case key == "tx", key == "hash", key == "txhash", key == "transaction", key == "transactionhash":
		return true
	case key == "payment_hash", key == "paymenthash":
		return true
	case strings.HasSuffix(key, "_tx"), strings.HasPrefix(key, "tx_"), strings.HasPrefix(key, "transaction_"):
		return true
	}
	return false
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func placeholderFields(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
