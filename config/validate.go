package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"blockbatch/crypto"
)

// MinLedgerInterval bounds how fast the ledger clock used for escrow
// timeouts may tick.
var MinLedgerInterval = time.Second

func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen address required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir required")
	}
	if c.LedgerInterval.Duration < MinLedgerInterval {
		return fmt.Errorf("ledger interval %s below minimum %s", c.LedgerInterval.Duration, MinLedgerInterval)
	}
	if c.ShutdownTimeout.Duration < 0 {
		return fmt.Errorf("shutdown timeout must not be negative")
	}
	if c.Auth.TimestampSkew.Duration < 0 || c.Auth.NonceTTL.Duration < 0 || c.Auth.NonceCapacity < 0 {
		return fmt.Errorf("auth: values must not be negative")
	}
	if c.RateLimit.RatePerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	for method, tokens := range c.RateLimit.MethodTokens {
		if tokens <= 0 {
			return fmt.Errorf("rate_limit: method %s tokens must be positive", method)
		}
	}
	if c.Operator.Enabled && c.OperatorSecret() == "" {
		return fmt.Errorf("operator: hmac secret required when enabled")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample ratio must be within [0, 1]")
	}
	for i, alloc := range c.Genesis {
		if _, err := alloc.Parse(); err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
	}
	return nil
}

// ParsedAllocation is a validated genesis allocation.
type ParsedAllocation struct {
	Address [20]byte
	Token   string
	Amount  *big.Int
}

// Parse validates the allocation's address and amount.
func (a Allocation) Parse() (ParsedAllocation, error) {
	addr, err := crypto.ParseAddress(a.Address)
	if err != nil {
		return ParsedAllocation{}, fmt.Errorf("address: %w", err)
	}
	token := strings.ToUpper(strings.TrimSpace(a.Token))
	if token == "" {
		return ParsedAllocation{}, fmt.Errorf("token required")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(a.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return ParsedAllocation{}, fmt.Errorf("amount %q must be a positive integer", a.Amount)
	}
	return ParsedAllocation{Address: addr, Token: token, Amount: amount}, nil
}
