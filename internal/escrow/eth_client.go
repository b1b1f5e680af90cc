package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrInvalidTxHash is returned for strings that are not 32-byte hex hashes.
var ErrInvalidTxHash = errors.New("invalid transaction hash")

// EthClient reads the on-chain leg of a payment.
type EthClient struct {
	client *ethclient.Client
}

type EthClientConfig struct {
	RPCURL string
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &EthClient{client: cli}, nil
}

// ParseTxHash validates a 0x-prefixed 32-byte transaction hash.
func ParseTxHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	raw, err := hexutil.Decode(s)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidTxHash, s)
	}
	return common.BytesToHash(raw), nil
}

// TransactionSucceeded reports whether the transaction is mined with a
// successful receipt. A transaction that is not mined yet reports false.
func (c *EthClient) TransactionSucceeded(ctx context.Context, txHash string) (bool, error) {
	hash, err := ParseTxHash(txHash)
	if err != nil {
		return false, err
	}
	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
