package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/x402-bazaar-agent/internal/model"
	"github.com/yourorg/x402-bazaar-agent/internal/types"
)

const (
	testToken = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayee = "0x1111111111111111111111111111111111111111"
)

type fakeBackend struct {
	tokenBalance  *big.Int
	nativeBalance *big.Int
	gasPrice      *big.Int
	estimateErr   error
	receipts      map[common.Hash]*ethtypes.Receipt
	sent          []*ethtypes.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tokenBalance:  big.NewInt(1_000_000),
		nativeBalance: big.NewInt(1e18),
		gasPrice:      big.NewInt(1_000_000),
		receipts:      make(map[common.Hash]*ethtypes.Receipt),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(84532), nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 50000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*ethtypes.Receipt, error) {
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.nativeBalance, nil
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return erc20ABI.Methods["balanceOf"].Outputs.Pack(f.tokenBalance)
}

func newTestSettler(t *testing.T, backend *fakeBackend) *EVMSettler {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	network, ok := types.LookupNetwork("base-sepolia")
	require.True(t, ok)
	s, err := NewEVMSettler(backend, network, key)
	require.NoError(t, err)
	return s
}

func TestNewEVMSettler_RequiresKey(t *testing.T) {
	_, err := NewEVMSettler(newFakeBackend(), types.NetworkConfig{}, nil)
	assert.ErrorIs(t, err, ErrSigner)
}

func TestTransfer_SubmitsSignedTokenTransfer(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSettler(t, backend)

	txID, err := s.Transfer(context.Background(), testToken, testPayee, big.NewInt(10000))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, txID, tx.Hash().Hex())
	assert.Equal(t, common.HexToAddress(testToken), *tx.To())
	assert.Equal(t, uint64(60000), tx.Gas(), "estimate plus 20%")

	method, err := erc20ABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "transfer", method.Name)

	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testPayee), args[0])
	assert.Equal(t, big.NewInt(10000), args[1])

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(84532)), tx)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), sender.Hex())
}

func TestTransfer_InsufficientTokenNeverSubmits(t *testing.T) {
	backend := newFakeBackend()
	backend.tokenBalance = big.NewInt(5000)
	s := newTestSettler(t, backend)

	_, err := s.Transfer(context.Background(), testToken, testPayee, big.NewInt(10000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	var ife *InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, big.NewInt(5000), ife.Shortfall())
	assert.Equal(t, "0.005000", ife.Human())
	assert.Empty(t, backend.sent)
}

func TestTransfer_InsufficientGasNeverSubmits(t *testing.T) {
	backend := newFakeBackend()
	backend.nativeBalance = big.NewInt(0)
	s := newTestSettler(t, backend)

	_, err := s.Transfer(context.Background(), testToken, testPayee, big.NewInt(10000))
	var ife *InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, "ETH", ife.Asset)
	assert.Empty(t, backend.sent)
}

func TestTransfer_FallbackGasLimit(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = errors.New("execution reverted")
	s := newTestSettler(t, backend)

	_, err := s.Transfer(context.Background(), testToken, testPayee, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, fallbackGasLimit, backend.sent[0].Gas())
}

func TestTransfer_RejectsBadInput(t *testing.T) {
	s := newTestSettler(t, newFakeBackend())
	ctx := context.Background()

	_, err := s.Transfer(ctx, testToken, testPayee, big.NewInt(0))
	assert.Error(t, err)
	_, err = s.Transfer(ctx, "usdc", testPayee, big.NewInt(1))
	assert.Error(t, err)
	_, err = s.Transfer(ctx, testToken, "nobody", big.NewInt(1))
	assert.Error(t, err)
}

func TestReceipt_Statuses(t *testing.T) {
	backend := newFakeBackend()
	s := newTestSettler(t, backend)
	ctx := context.Background()

	ok := common.HexToHash("0x01")
	bad := common.HexToHash("0x02")
	backend.receipts[ok] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful}
	backend.receipts[bad] = &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed}

	status, err := s.Receipt(ctx, ok.Hex())
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptSuccess, status)

	status, err = s.Receipt(ctx, bad.Hex())
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptReverted, status)

	status, err = s.Receipt(ctx, common.HexToHash("0x03").Hex())
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptPending, status)
}

func TestBalance(t *testing.T) {
	backend := newFakeBackend()
	backend.tokenBalance = big.NewInt(123456)
	s := newTestSettler(t, backend)

	bal, err := s.Balance(context.Background(), s.Address(), testToken)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(123456), bal)

	native, err := s.Balance(context.Background(), s.Address(), NativeAsset)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1e18), native)

	_, err = s.Balance(context.Background(), "0xnope", testToken)
	assert.Error(t, err)
}
