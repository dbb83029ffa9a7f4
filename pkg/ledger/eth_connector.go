package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	log "github.com/sirupsen/logrus"
)

const (
	rpcCodeUserRejected = 4001
	rpcCodeReverted     = 3
)

// ChainBackend is the part of an ethclient.Client the connector uses.
type ChainBackend interface {
	bind.ContractBackend
	ethereum.TransactionReader
	ethereum.BlockNumberReader
}

// EthConnector talks to an EVM JSON-RPC endpoint and signs writes with a single local key.
type EthConnector struct {
	client       ChainBackend
	signer       *bind.TransactOpts
	pools        common.Address
	pollInterval time.Duration
	closeFn      func()
}

// NewEthConnector wraps an already connected backend. A nil signer leaves the connector read-only.
func NewEthConnector(client ChainBackend, signer *bind.TransactOpts, pools common.Address, pollInterval time.Duration) *EthConnector {
	return &EthConnector{client: client, signer: signer, pools: pools, pollInterval: pollInterval}
}

func DialEth(ctx context.Context, rpcUrl string, privateKeyHex string, chainId int64, pools common.Address, pollInterval time.Duration) (*EthConnector, error) {
	client, err := ethclient.DialContext(ctx, rpcUrl)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNetwork, rpcUrl, err)
	}

	var signer *bind.TransactOpts
	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
		signer, err = bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainId))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create transactor: %w", err)
		}
		log.Infof("Signing transactions as %s", crypto.PubkeyToAddress(key.PublicKey).Hex())
	} else {
		log.Warn("No signing key configured, all writes will fail")
	}

	connector := NewEthConnector(client, signer, pools, pollInterval)
	connector.closeFn = client.Close
	return connector, nil
}

func (c *EthConnector) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

func (c *EthConnector) abiFor(contract common.Address) abi.ABI {
	if contract == c.pools {
		return PoolsABI
	}
	return ERC20ABI
}

func (c *EthConnector) ReadState(ctx context.Context, contract common.Address, method string, args ...any) ([]any, error) {
	parsed := c.abiFor(contract)
	if _, ok := parsed.Methods[method]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArguments, err)
	}

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, classify(err)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return values, nil
}

func (c *EthConnector) WriteState(ctx context.Context, from common.Address, contract common.Address, method string, args ...any) (TxHandle, error) {
	if c.signer == nil || c.signer.From != from {
		return TxHandle{}, fmt.Errorf("%w: %s", ErrNoSigner, from.Hex())
	}
	parsed := c.abiFor(contract)
	if _, ok := parsed.Methods[method]; !ok {
		return TxHandle{}, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}

	opts := *c.signer
	opts.Context = ctx
	bound := bind.NewBoundContract(contract, parsed, c.client, c.client, c.client)
	tx, err := bound.Transact(&opts, method, args...)
	if err != nil {
		return TxHandle{}, classify(err)
	}
	log.Debugf("Broadcast %s on %s: %s", method, contract.Hex(), tx.Hash().Hex())

	return TxHandle{
		Hash:        tx.Hash(),
		From:        from,
		Contract:    contract,
		Method:      method,
		SubmittedAt: time.Now(),
	}, nil
}

func (c *EthConnector) AwaitReceipt(ctx context.Context, handle TxHandle, confirmations uint64) (Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, handle.Hash)
		switch {
		case err == nil:
			head, err := c.client.BlockNumber(ctx)
			if err != nil {
				return Receipt{}, classify(err)
			}
			mined := receipt.BlockNumber.Uint64()
			var confs uint64
			if head >= mined {
				confs = head - mined + 1
			}
			result := Receipt{TxHash: handle.Hash, BlockNumber: mined, Confirmations: confs, Success: receipt.Status != types.ReceiptStatusFailed}
			if !result.Success {
				result.RevertReason = c.revertReason(ctx, handle, receipt.BlockNumber)
				return result, nil
			}
			if confs >= confirmations {
				return result, nil
			}
		case errors.Is(err, ethereum.NotFound):
			// not mined yet
		default:
			return Receipt{}, classify(err)
		}

		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// revertReason replays a failed transaction at its block to recover the revert message.
func (c *EthConnector) revertReason(ctx context.Context, handle TxHandle, block *big.Int) string {
	tx, _, err := c.client.TransactionByHash(ctx, handle.Hash)
	if err != nil {
		log.Debugf("cannot load reverted transaction %s: %v", handle.Hash.Hex(), err)
		return ""
	}
	msg := ethereum.CallMsg{From: handle.From, To: tx.To(), Gas: tx.Gas(), Value: tx.Value(), Data: tx.Data()}
	_, err = c.client.CallContract(ctx, msg, block)
	var revertErr *RevertError
	if errors.As(classify(err), &revertErr) {
		return revertErr.Reason
	}
	return ""
}

// classify maps JSON-RPC and transport errors onto the connector error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case rpcCodeUserRejected:
			return fmt.Errorf("%w: %v", ErrUserRejected, err)
		case rpcCodeReverted:
			return &RevertError{Reason: revertMessage(err.Error())}
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"):
		return fmt.Errorf("%w: %v", ErrUserRejected, err)
	case strings.Contains(msg, "execution reverted"):
		return &RevertError{Reason: revertMessage(err.Error())}
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func revertMessage(msg string) string {
	if i := strings.Index(msg, "execution reverted:"); i >= 0 {
		return strings.TrimSpace(msg[i+len("execution reverted:"):])
	}
	return ""
}
