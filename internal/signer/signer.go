// Package signer implements the order-signing collaborator spec.md §6
// delegates to "a venue SDK": EIP-712 typed-data signing for L1 API-key
// derivation and HMAC-SHA256 request signing for L2 trading calls.
//
// Adapted from the teacher's internal/exchange/auth.go almost unchanged —
// the signing math (ClobAuth typed data, HMAC(timestamp+method+path+body))
// is venue protocol, not business logic, so it carries over verbatim. What's
// new is the Signer interface: restclient and wsfeed depend on Signer, not
// on this package's concrete type, so a SignerUnavailable condition (no
// private key configured) can be detected at startup and used to force
// DRY_RUN rather than failing deep inside a request path.
package signer

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"arb-core/internal/config"
)

// Credentials holds the L2 API key triplet used for HMAC-signed trading
// requests.
type Credentials struct {
	ApiKey     string
	Secret     string
	Passphrase string
}

// Signer is the collaborator interface restclient and wsfeed depend on.
// Concrete signing math never leaks past this boundary.
type Signer interface {
	Address() common.Address
	ChainID() *big.Int
	HasL2Credentials() bool
	SetCredentials(creds Credentials)
	L1Headers(nonce int) (map[string]string, error)
	L2Headers(method, path, body string) (map[string]string, error)
	WSAuthPayload() Credentials
}

// Unavailable is returned by New when no usable private key is configured.
// Callers (cmd/arbd) treat this as forcing DRY_RUN: the engine can still run
// strategy/risk/book logic against live market data, it just cannot submit
// real orders.
var Unavailable = fmt.Errorf("signer: no private key configured, signing unavailable")

// EOA implements Signer for a single externally-owned account.
type EOA struct {
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	chainID       *big.Int
	creds         Credentials
}

// New constructs an EOA signer from wallet config. Returns Unavailable if
// no private key is configured.
func New(cfg config.WalletConfig, apiCfg config.APIConfig) (*EOA, error) {
	if cfg.PrivateKey == "" {
		return nil, Unavailable
	}
	keyHex := cfg.PrivateKey
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	funder := address
	if cfg.FunderAddress != "" {
		funder = common.HexToAddress(cfg.FunderAddress)
	}

	return &EOA{
		privateKey:    privateKey,
		address:       address,
		funderAddress: funder,
		chainID:       big.NewInt(int64(cfg.ChainID)),
		creds: Credentials{
			ApiKey:     apiCfg.ApiKey,
			Secret:     apiCfg.Secret,
			Passphrase: apiCfg.Passphrase,
		},
	}, nil
}

// Address returns the signer's Ethereum address.
func (a *EOA) Address() common.Address { return a.address }

// ChainID returns the configured chain id.
func (a *EOA) ChainID() *big.Int { return a.chainID }

// FunderAddress returns the proxy/funder wallet address.
func (a *EOA) FunderAddress() common.Address { return a.funderAddress }

// HasL2Credentials reports whether L2 API credentials are configured.
func (a *EOA) HasL2Credentials() bool {
	return a.creds.ApiKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

// SetCredentials sets L2 credentials, e.g. after deriving them via L1 auth.
func (a *EOA) SetCredentials(creds Credentials) { a.creds = creds }

// L1Headers produces headers for the one-time L2-key-derivation endpoint.
func (a *EOA) L1Headers(nonce int) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("signer: sign clob auth: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.Itoa(nonce),
	}, nil
}

// L2Headers produces headers for HMAC-authenticated trading endpoints.
func (a *EOA) L2Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("signer: build hmac: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":    a.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    a.creds.ApiKey,
		"POLY_PASSPHRASE": a.creds.Passphrase,
	}, nil
}

// WSAuthPayload returns the credential triplet for the private user stream's
// authenticated subscribe payload.
func (a *EOA) WSAuthPayload() Credentials { return a.creds }

// signClobAuth produces an EIP-712 signature for L1 authentication.
func (a *EOA) signClobAuth(timestamp string, nonce int) (string, error) {
	sig, err := a.signTypedData(
		&apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
		"ClobAuth",
	)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// signTypedData signs EIP-712 typed data and normalizes V to 27/28.
func (a *EOA) signTypedData(domain *apitypes.TypedDataDomain, typesDef apitypes.Types, message apitypes.TypedDataMessage, primaryType string) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// buildHMAC computes message = timestamp + method + path [+ body] signed
// with the derived L2 API secret.
func (a *EOA) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("signer: decode secret: %w", err)
	}

	message := timestamp + method + path + body

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

var _ Signer = (*EOA)(nil)

// NullSigner implements Signer for a SignerUnavailable/DRY_RUN run: every
// method that would need a real key fails with Unavailable rather than
// panicking on a nil key. cmd/arbd substitutes this when New returns
// Unavailable, having already forced cfg.DryRun so restclient never reaches
// the code path that would call L1Headers/L2Headers for a real submission.
type NullSigner struct{}

// NewNullSigner constructs a NullSigner.
func NewNullSigner() *NullSigner { return &NullSigner{} }

func (NullSigner) Address() common.Address        { return common.Address{} }
func (NullSigner) ChainID() *big.Int              { return big.NewInt(0) }
func (NullSigner) HasL2Credentials() bool         { return false }
func (NullSigner) SetCredentials(_ Credentials)   {}
func (NullSigner) WSAuthPayload() Credentials     { return Credentials{} }

func (NullSigner) L1Headers(_ int) (map[string]string, error) {
	return nil, Unavailable
}

func (NullSigner) L2Headers(_, _, _ string) (map[string]string, error) {
	return nil, Unavailable
}

var _ Signer = NullSigner{}
