// Package model defines the core data structures for the x402 bazaar agent.
package model

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"
)

// PricedResource is a discoverable paid endpoint as listed by the discovery registry.
// A catalog of these is replaced wholesale on every refresh cycle.
type PricedResource struct {
	// Resource is the endpoint URL
	Resource string `json:"resource"`

	// Type is the resource transport, currently always "http"
	Type string `json:"type"`

	// X402Version is the protocol version the provider speaks
	X402Version int `json:"x402Version"`

	// Accepts lists every accepted way to pay for the resource
	Accepts []PaymentOption `json:"accepts"`

	// Metadata is free-form provider metadata
	Metadata map[string]any `json:"metadata,omitempty"`

	// LastUpdated is when the registry last saw the resource
	LastUpdated time.Time `json:"lastUpdated"`
}

// PaymentOption is one accepted way to pay for a PricedResource.
type PaymentOption struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`

	// Asset is the settlement token contract address
	Asset     string `json:"asset"`
	AssetName string `json:"assetName,omitempty"`

	// Decimals is the asset's decimal hint used only for display and price ceilings
	Decimals int `json:"decimals"`

	// MaxAmountRequired is always in atomic units. Nil when the registry value did not parse.
	MaxAmountRequired *big.Int `json:"maxAmountRequired"`

	// RawAmount keeps the registry's string so invalid entries can be reported
	RawAmount string `json:"-"`

	PayTo             string     `json:"payTo"`
	MaxTimeoutSeconds int        `json:"maxTimeoutSeconds"`
	Description       string     `json:"description,omitempty"`
	MimeType          string     `json:"mimeType,omitempty"`
	Resource          string     `json:"resource,omitempty"`
	Input             InputShape `json:"input"`
}

// Amount returns a copy of the atomic amount, or nil
func (o PaymentOption) Amount() *big.Int {
	if o.MaxAmountRequired == nil {
		return nil
	}
	return new(big.Int).Set(o.MaxAmountRequired)
}

// HTTPMethod returns the declared method, defaulting to GET
func (o PaymentOption) HTTPMethod() string {
	m := strings.ToUpper(strings.TrimSpace(o.Input.Method))
	if m == "" {
		return "GET"
	}
	return m
}

// InputShape describes how a resource expects to be called.
type InputShape struct {
	Method      string               `json:"method,omitempty"`
	Type        string               `json:"type,omitempty"`
	QueryParams map[string]FieldSpec `json:"queryParams,omitempty"`
	BodyFields  map[string]FieldSpec `json:"bodyFields,omitempty"`
	BodyType    string               `json:"bodyType,omitempty"`
}

// HasStructuredSchema reports whether named parameters were declared for the method
func (s InputShape) HasStructuredSchema() bool {
	if strings.EqualFold(s.Method, "POST") {
		return len(s.BodyFields) > 0
	}
	return len(s.QueryParams) > 0
}

// FieldSpec describes a single declared input parameter.
type FieldSpec struct {
	Type        string     `json:"type,omitempty"`
	Required    bool       `json:"required,omitempty"`
	Description string     `json:"description,omitempty"`
	Enum        []string   `json:"enum,omitempty"`
	Items       *FieldSpec `json:"items,omitempty"`
}

// UnmarshalJSON accepts either a full field object or a bare description string,
// both of which appear in registry listings.
func (f *FieldSpec) UnmarshalJSON(data []byte) error {
	var desc string
	if err := json.Unmarshal(data, &desc); err == nil {
		*f = FieldSpec{Type: "string", Description: desc}
		return nil
	}

	type plain FieldSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = FieldSpec(p)
	return nil
}

// ChallengeOption is one acceptable (asset, amount, payee, network) tuple of a 402 challenge.
type ChallengeOption struct {
	Scheme            string
	Asset             string
	Amount            *big.Int
	PayTo             string
	Network           string
	MaxTimeoutSeconds int
	Resource          string
}

// PaymentChallenge is parsed from an HTTP 402 response. It is consumed by exactly one call.
type PaymentChallenge struct {
	X402Version int
	Options     []ChallengeOption
	Nonce       string
	ExpiresAt   time.Time
	Error       string
}

// Expired reports whether the challenge carried an expiry that has passed
func (c PaymentChallenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ReceiptStatus is the finality status of a settlement transaction
type ReceiptStatus string

// Settlement finality states
const (
	ReceiptPending  ReceiptStatus = "pending"
	ReceiptSuccess  ReceiptStatus = "success"
	ReceiptReverted ReceiptStatus = "reverted"
	ReceiptUnknown  ReceiptStatus = "unknown-timeout"
)

// SettlementReceipt is the result of an on-chain transfer.
type SettlementReceipt struct {
	TxID    string        `json:"txId"`
	Status  ReceiptStatus `json:"status"`
	Payer   string        `json:"payer"`
	Payee   string        `json:"payee"`
	Asset   string        `json:"asset"`
	Amount  *big.Int      `json:"amount"`
	Network string        `json:"network"`
}

// ServiceQualityRecord is the process-lifetime judgment on one resource URL.
type ServiceQualityRecord struct {
	Resource string    `json:"resource"`
	Bad      bool      `json:"bad"`
	Reason   string    `json:"reason"`
	MarkedAt time.Time `json:"markedAt"`
	Static   bool      `json:"static,omitempty"`
}
