package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/types"
)

// PaymentRequiredHeader carries a base64 JSON challenge when the 402 body is empty
const PaymentRequiredHeader = "PAYMENT-REQUIRED"

// wireChallenge covers both the x402 "accepts" shape and the legacy erc20 shape
type wireChallenge struct {
	X402Version int          `json:"x402Version"`
	Accepts     []wireAccept `json:"accepts"`
	Nonce       string       `json:"nonce"`
	Error       string       `json:"error"`
	ExpiresAt   any          `json:"expiresAt"`
}

type wireAccept struct {
	// x402 fields
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired json.Number    `json:"maxAmountRequired"`
	Amount            json.Number    `json:"amount"`
	Asset             string         `json:"asset"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Resource          string         `json:"resource"`
	Extra             map[string]any `json:"extra"`

	// legacy fields
	Type     string      `json:"type"`
	Quantity json.Number `json:"quantity"`
	Address  string      `json:"address"`
	Receiver string      `json:"receiver"`
	ChainID  json.Number `json:"chainId"`
}

// ParseChallenge interprets a 402 response into a PaymentChallenge.
// Options that cannot be paid with an ERC-20 transfer are skipped; none left is ErrMalformedChallenge.
func ParseChallenge(header http.Header, body []byte) (*model.PaymentChallenge, error) {
	raw := body
	if len(strings.TrimSpace(string(raw))) == 0 && header != nil {
		if enc := header.Get(PaymentRequiredHeader); enc != "" {
			decoded, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return nil, fmt.Errorf("%w: bad %s header: %v", ErrMalformedChallenge, PaymentRequiredHeader, err)
			}
			raw = decoded
		}
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedChallenge)
	}

	var w wireChallenge
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChallenge, err)
	}

	ch := &model.PaymentChallenge{
		X402Version: w.X402Version,
		Nonce:       w.Nonce,
		Error:       w.Error,
		ExpiresAt:   parseExpiry(w.ExpiresAt),
	}

	for _, a := range w.Accepts {
		opt, err := a.toOption()
		if err != nil {
			continue
		}
		if ch.Nonce == "" {
			if n, ok := a.Extra["nonce"].(string); ok {
				ch.Nonce = n
			}
		}
		ch.Options = append(ch.Options, opt)
	}

	if len(ch.Options) == 0 {
		return nil, fmt.Errorf("%w: no acceptable payment option", ErrMalformedChallenge)
	}
	return ch, nil
}

func (a wireAccept) toOption() (model.ChallengeOption, error) {
	if a.Type != "" && !strings.EqualFold(a.Type, "erc20") {
		return model.ChallengeOption{}, fmt.Errorf("unsupported option type %q", a.Type)
	}

	amountStr := firstNonEmpty(a.MaxAmountRequired.String(), a.Amount.String(), a.Quantity.String())
	amount, err := model.ParseAtomic(amountStr)
	if err != nil {
		return model.ChallengeOption{}, err
	}
	if amount.Sign() <= 0 {
		return model.ChallengeOption{}, fmt.Errorf("non-positive amount")
	}

	asset := firstNonEmpty(a.Asset, a.Address)
	payTo := firstNonEmpty(a.PayTo, a.Receiver)
	if asset == "" || payTo == "" {
		return model.ChallengeOption{}, fmt.Errorf("missing asset or payee")
	}

	network := a.Network
	if network == "" && a.ChainID != "" {
		id, err := a.ChainID.Int64()
		if err != nil {
			return model.ChallengeOption{}, err
		}
		if n, ok := types.NetworkByChainID(id); ok {
			network = string(n.Name)
		} else {
			network = "eip155:" + strconv.FormatInt(id, 10)
		}
	}
	if network == "" {
		return model.ChallengeOption{}, fmt.Errorf("missing network")
	}

	scheme := a.Scheme
	if scheme == "" {
		scheme = "exact"
	}

	return model.ChallengeOption{
		Scheme:            scheme,
		Asset:             asset,
		Amount:            amount,
		PayTo:             payTo,
		Network:           network,
		MaxTimeoutSeconds: a.MaxTimeoutSeconds,
		Resource:          a.Resource,
	}, nil
}

// SelectOption picks the challenge option to pay on the given network.
// The preferred asset wins when present, otherwise the cheapest; ties keep declaration order.
func SelectOption(ch *model.PaymentChallenge, network types.NetworkConfig, preferredAsset string) (model.ChallengeOption, error) {
	var best *model.ChallengeOption
	for i := range ch.Options {
		o := &ch.Options[i]
		if !network.Matches(o.Network) {
			continue
		}
		if preferredAsset != "" && strings.EqualFold(o.Asset, preferredAsset) {
			return *o, nil
		}
		if best == nil || o.Amount.Cmp(best.Amount) < 0 {
			best = o
		}
	}
	if best == nil {
		return model.ChallengeOption{}, fmt.Errorf("%w: no option payable on %s", ErrMalformedChallenge, network.Name)
	}
	return *best, nil
}

// FromPaymentOption converts a discovery option into the tuple paid by the orchestrator
func FromPaymentOption(o model.PaymentOption) (model.ChallengeOption, error) {
	if o.MaxAmountRequired == nil || o.MaxAmountRequired.Sign() <= 0 {
		return model.ChallengeOption{}, fmt.Errorf("option has no payable amount")
	}
	if o.Asset == "" || o.PayTo == "" {
		return model.ChallengeOption{}, fmt.Errorf("option lacks asset or payee")
	}
	return model.ChallengeOption{
		Scheme:            o.Scheme,
		Asset:             o.Asset,
		Amount:            o.Amount(),
		PayTo:             o.PayTo,
		Network:           o.Network,
		MaxTimeoutSeconds: o.MaxTimeoutSeconds,
		Resource:          o.Resource,
	}, nil
}

func parseExpiry(v any) time.Time {
	switch x := v.(type) {
	case float64:
		if x > 1e12 {
			return time.UnixMilli(int64(x))
		}
		return time.Unix(int64(x), 0)
	case string:
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return t
		}
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return time.Unix(n, 0)
		}
	}
	return time.Time{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
