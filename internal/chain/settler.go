// Package chain implements the on-chain settlement primitive: ERC-20 transfers, receipts and balances.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/types"
)

// NativeAsset selects the network's gas asset in Balance calls
const NativeAsset = "native"

// fallbackGasLimit is used when the node cannot estimate a token transfer
const fallbackGasLimit uint64 = 100000

// Settler is the settlement primitive used by the payment orchestrator.
// All amounts are atomic units. Implementations do not retry.
type Settler interface {
	Address() string
	Network() types.NetworkConfig
	Balance(ctx context.Context, account, asset string) (*big.Int, error)
	Transfer(ctx context.Context, asset, payee string, amount *big.Int) (string, error)
	Receipt(ctx context.Context, txID string) (model.ReceiptStatus, error)
}

// Backend is the subset of *ethclient.Client used by EVMSettler
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EVMSettler settles payments with ERC-20 transfers signed by a single key.
// The key never leaves this struct.
type EVMSettler struct {
	backend Backend
	network types.NetworkConfig
	key     *ecdsa.PrivateKey
	from    common.Address

	// Minimum native balance, in wei, required on top of the estimated gas cost
	minGas *big.Int
}

// NewEVMSettler creates a settler for the given backend and network
func NewEVMSettler(backend Backend, network types.NetworkConfig, key *ecdsa.PrivateKey) (*EVMSettler, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no private key configured", ErrSigner)
	}
	if backend == nil {
		return nil, errors.New("nil chain backend")
	}
	return &EVMSettler{
		backend: backend,
		network: network,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		minGas:  big.NewInt(1),
	}, nil
}

// Dial connects to an RPC endpoint and verifies it serves the expected chain
func Dial(ctx context.Context, rpcURL string, network types.NetworkConfig, key *ecdsa.PrivateKey) (*EVMSettler, error) {
	if rpcURL == "" {
		rpcURL = network.RPCEndpoint
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", network.Name, err)
	}

	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if id.Int64() != network.ChainID {
		client.Close()
		return nil, fmt.Errorf("RPC %s serves chain %d, expected %d", rpcURL, id.Int64(), network.ChainID)
	}

	logrus.WithFields(logrus.Fields{
		"network":  network.Name,
		"chain_id": network.ChainID,
	}).Info("Connected to settlement network")

	return NewEVMSettler(client, network, key)
}

// WithMinGasBalance sets the native balance floor checked before transfers
func (s *EVMSettler) WithMinGasBalance(wei *big.Int) *EVMSettler {
	if wei != nil {
		s.minGas = new(big.Int).Set(wei)
	}
	return s
}

// Address returns the payer address
func (s *EVMSettler) Address() string {
	return s.from.Hex()
}

// Network returns the settlement network
func (s *EVMSettler) Network() types.NetworkConfig {
	return s.network
}

// Balance returns the atomic balance of account in asset, or the native balance for NativeAsset
func (s *EVMSettler) Balance(ctx context.Context, account, asset string) (*big.Int, error) {
	if !common.IsHexAddress(account) {
		return nil, fmt.Errorf("invalid account address %q", account)
	}
	owner := common.HexToAddress(account)

	if asset == "" || strings.EqualFold(asset, NativeAsset) {
		bal, err := s.backend.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read native balance: %w", err)
		}
		return bal, nil
	}

	if !common.IsHexAddress(asset) {
		return nil, fmt.Errorf("invalid asset address %q", asset)
	}
	token := common.HexToAddress(asset)

	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to encode balanceOf: %w", err)
	}
	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read token balance: %w", err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(values) == 0 {
		return nil, fmt.Errorf("failed to decode token balance: %v", err)
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", values[0])
	}
	return bal, nil
}

// Transfer submits an ERC-20 transfer and returns the transaction hash without waiting for it.
// Insufficient token or gas balance fails before anything is signed.
func (s *EVMSettler) Transfer(ctx context.Context, asset, payee string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("invalid transfer amount %v", amount)
	}
	if !common.IsHexAddress(asset) {
		return "", fmt.Errorf("invalid asset address %q", asset)
	}
	if !common.IsHexAddress(payee) {
		return "", fmt.Errorf("invalid payee address %q", payee)
	}
	token := common.HexToAddress(asset)
	to := common.HexToAddress(payee)

	tokenBal, err := s.Balance(ctx, s.from.Hex(), asset)
	if err != nil {
		return "", err
	}
	if tokenBal.Cmp(amount) < 0 {
		return "", &InsufficientFundsError{
			Asset:     asset,
			Decimals:  s.network.USDCDecimals,
			Required:  new(big.Int).Set(amount),
			Available: tokenBal,
		}
	}

	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return "", fmt.Errorf("failed to encode transfer: %w", err)
	}

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to suggest gas price: %w", err)
	}
	gasLimit, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &token, Data: data})
	if err != nil {
		logrus.WithError(err).Debug("Gas estimation failed, using fallback limit")
		gasLimit = fallbackGasLimit
	} else {
		gasLimit += gasLimit / 5
	}

	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	if gasCost.Cmp(s.minGas) < 0 {
		gasCost = new(big.Int).Set(s.minGas)
	}
	nativeBal, err := s.backend.BalanceAt(ctx, s.from, nil)
	if err != nil {
		return "", fmt.Errorf("failed to read native balance: %w", err)
	}
	if nativeBal.Cmp(gasCost) < 0 {
		return "", &InsufficientFundsError{
			Asset:     s.network.NativeSymbol,
			Decimals:  s.network.NativeDecimals,
			Required:  gasCost,
			Available: nativeBal,
		}
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &token,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(big.NewInt(s.network.ChainID)), s.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigner, err)
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to submit transfer: %w", err)
	}

	txID := signed.Hash().Hex()
	logrus.WithFields(logrus.Fields{
		"tx":      txID,
		"asset":   asset,
		"payee":   payee,
		"amount":  amount.String(),
		"network": s.network.Name,
	}).Info("Transfer submitted")
	return txID, nil
}

// Receipt reports the finality status of a submitted transaction.
// A transaction the node does not know yet is pending.
func (s *EVMSettler) Receipt(ctx context.Context, txID string) (model.ReceiptStatus, error) {
	receipt, err := s.backend.TransactionReceipt(ctx, common.HexToHash(txID))
	if errors.Is(err, ethereum.NotFound) {
		return model.ReceiptPending, nil
	}
	if err != nil {
		return model.ReceiptPending, fmt.Errorf("failed to read receipt: %w", err)
	}
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		return model.ReceiptSuccess, nil
	}
	return model.ReceiptReverted, nil
}
