// Package challenge normalizes x402 Payment Required responses
package challenge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strings"

	payload "github.com/microchipgnu/payload-exchange-sub000"
	"github.com/microchipgnu/payload-exchange-sub000/mechanisms/evm"
)

// ErrUnparseable is returned for every response that is not a usable x402
// challenge. Callers pass such responses through untouched.
var ErrUnparseable = errors.New("unparseable payment challenge")

// paymentRequired is the 402 body, covering v1 and v2 field names
type paymentRequired struct {
	X402Version         *int          `json:"x402Version"`
	Accepts             []requirement `json:"accepts"`
	PaymentRequirements []requirement `json:"paymentRequirements"`
	Resource            *resourceInfo `json:"resource,omitempty"`
}

type resourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type requirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Amount            string `json:"amount"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
}

// Parse extracts the normalized challenge from an upstream response.
// Any failure wraps ErrUnparseable.
func Parse(status int, body []byte) (*payload.Challenge, error) {
	if status != http.StatusPaymentRequired {
		return nil, fmt.Errorf("%w: status %d", ErrUnparseable, status)
	}

	var pr paymentRequired
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if pr.X402Version == nil || *pr.X402Version < 1 {
		return nil, fmt.Errorf("%w: missing or invalid x402Version", ErrUnparseable)
	}

	options := pr.Accepts
	if len(options) == 0 {
		options = pr.PaymentRequirements
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("%w: no payment options", ErrUnparseable)
	}

	selected := selectOption(options)
	return normalize(selected, pr.Resource)
}

// ParseAccepts normalizes a bare list of payment options, as listed by an
// x402 discovery service, using the same selection as Parse
func ParseAccepts(raw []byte) (*payload.Challenge, error) {
	var options []requirement
	if err := json.Unmarshal(raw, &options); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("%w: no payment options", ErrUnparseable)
	}
	return normalize(selectOption(options), nil)
}

// selectOption picks one option: the network's canonical stablecoin first, then
// network preference, then the order the server listed them in
func selectOption(options []requirement) requirement {
	ranked := make([]int, len(options))
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		oa, ob := options[ranked[a]], options[ranked[b]]
		ca, cb := evm.IsCanonicalAsset(oa.Network, oa.Asset), evm.IsCanonicalAsset(ob.Network, ob.Asset)
		if ca != cb {
			return ca
		}
		return evm.NetworkRank(oa.Network) < evm.NetworkRank(ob.Network)
	})
	return options[ranked[0]]
}

func normalize(req requirement, info *resourceInfo) (*payload.Challenge, error) {
	amount := req.MaxAmountRequired
	if amount == "" {
		amount = req.Amount
	}
	resource := req.Resource
	if resource == "" && info != nil {
		resource = info.URL
	}

	var missing []string
	if req.Scheme == "" {
		missing = append(missing, "scheme")
	}
	if req.Network == "" {
		missing = append(missing, "network")
	}
	if amount == "" {
		missing = append(missing, "maxAmountRequired")
	}
	if resource == "" {
		missing = append(missing, "resource")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrUnparseable, strings.Join(missing, ", "))
	}

	value, ok := new(big.Int).SetString(amount, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrUnparseable, amount)
	}

	c := &payload.Challenge{
		Amount:      value,
		Currency:    req.Scheme + ":" + req.Network,
		Network:     payload.Network(req.Network),
		Scheme:      req.Scheme,
		Resource:    resource,
		Asset:       req.Asset,
		PayTo:       req.PayTo,
		Description: req.Description,
		MimeType:    req.MimeType,
	}
	if info != nil {
		if c.Description == "" {
			c.Description = info.Description
		}
		if c.MimeType == "" {
			c.MimeType = info.MimeType
		}
	}
	return c, nil
}
