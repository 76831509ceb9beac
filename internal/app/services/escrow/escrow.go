// Package escrow wraps the black-box on-chain escrow contract,
// reading confirmed balances, scanning Deposited events, and submitting
// settlement transactions against a fixed ABI.
package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/decloud/controlplane/internal/app/apperr"
	"github.com/decloud/controlplane/pkg/logger"
)

// RPCTimeout bounds every outbound call to the chain node.
const RPCTimeout = 10 * time.Second

// Deposit is a single `Deposited` event observed on-chain.
type Deposit struct {
	Wallet      string
	Amount      *big.Int
	TxHash      string
	BlockNumber uint64
}

// SettlementItem is one (user, node, amount, vmId) tuple submitted in a
// settlement transaction.
type SettlementItem struct {
	UserWallet string
	NodeWallet string
	Amount     *big.Int
	VMID       string
}

// Adapter binds the fixed escrow ABI to a live EVM-like chain connection.
// Transaction submission is serialized through a single mutex so nonce
// assignment never races across callers.
type Adapter struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	chainID  *big.Int
	signer   *ecdsa.PrivateKey
	log      *logger.Logger

	txMu sync.Mutex
}

// New connects to an EVM-like RPC endpoint and binds the fixed escrow ABI at
// the given contract address. signer is the platform operator's key used to
// submit settlement transactions.
func New(ctx context.Context, rpcURL string, contractAddress common.Address, signer *ecdsa.PrivateKey, log *logger.Logger) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, apperr.Upstream("ESCROW_DIAL_FAILED", "dial escrow RPC endpoint", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, apperr.Upstream("ESCROW_CHAIN_ID_FAILED", "fetch chain id", err)
	}

	parsed, err := parsedABI()
	if err != nil {
		client.Close()
		return nil, apperr.Internal("ESCROW_ABI_INVALID", "parse escrow ABI", err)
	}

	bound := bind.NewBoundContract(contractAddress, parsed, client, client, client)

	if log == nil {
		log = logger.NewDefault("escrow")
	}

	return &Adapter{
		client:   client,
		contract: bound,
		abi:      parsed,
		address:  contractAddress,
		chainID:  chainID,
		signer:   signer,
		log:      log,
	}, nil
}

// Close releases the underlying RPC connection.
func (a *Adapter) Close() {
	a.client.Close()
}

func (a *Adapter) callOpts(ctx context.Context) (*bind.CallOpts, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	return &bind.CallOpts{Context: ctx}, cancel
}

// GetConfirmedBalance reads the contract's authoritative balance for wallet.
func (a *Adapter) GetConfirmedBalance(ctx context.Context, wallet common.Address) (*big.Int, error) {
	opts, cancel := a.callOpts(ctx)
	defer cancel()

	var out []interface{}
	if err := a.contract.Call(opts, &out, "userBalances", wallet); err != nil {
		return nil, apperr.Upstream("ESCROW_BALANCE_CALL_FAILED", "read confirmed balance", err)
	}
	if len(out) == 0 {
		return nil, apperr.Internal("ESCROW_BALANCE_EMPTY", "userBalances returned no values", nil)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, apperr.Internal("ESCROW_BALANCE_DECODE_FAILED", "decode userBalances result", nil)
	}
	return balance, nil
}

// CurrentBlock returns the chain's latest block number.
func (a *Adapter) CurrentBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	n, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, apperr.Upstream("ESCROW_BLOCK_NUMBER_FAILED", "read current block", err)
	}
	return n, nil
}

// ScanDeposits scans `Deposited` events in the inclusive block range
// [fromBlock, toBlock], which the caller must keep within
// MaxBlockWindow.
func (a *Adapter) ScanDeposits(ctx context.Context, fromBlock, toBlock uint64) ([]Deposit, error) {
	if toBlock < fromBlock {
		return nil, apperr.InvalidInput("ESCROW_BAD_RANGE", "toBlock before fromBlock")
	}
	if toBlock-fromBlock+1 > MaxBlockWindow {
		return nil, apperr.InvalidInput("ESCROW_RANGE_TOO_WIDE", fmt.Sprintf("window exceeds %d blocks", MaxBlockWindow))
	}

	event, ok := a.abi.Events[depositedEventName]
	if !ok {
		return nil, apperr.Internal("ESCROW_EVENT_MISSING", "Deposited event not found in ABI", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{a.address},
		Topics:    [][]common.Hash{{event.ID}},
	}

	logs, err := a.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, apperr.Upstream("ESCROW_FILTER_LOGS_FAILED", "scan Deposited events", err)
	}

	out := make([]Deposit, 0, len(logs))
	for _, l := range logs {
		d, err := a.decodeDeposited(l)
		if err != nil {
			a.log.WithField("txHash", l.TxHash.Hex()).WithError(err).Warn("skipping undecodable Deposited log")
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (a *Adapter) decodeDeposited(l types.Log) (Deposit, error) {
	if len(l.Topics) < 2 {
		return Deposit{}, errors.New("missing indexed user topic")
	}
	user := common.HexToAddress(l.Topics[1].Hex())

	values := map[string]interface{}{}
	if err := a.abi.UnpackIntoMap(values, depositedEventName, l.Data); err != nil {
		return Deposit{}, err
	}
	amount, ok := values["amount"].(*big.Int)
	if !ok {
		return Deposit{}, errors.New("amount field missing or wrong type")
	}

	return Deposit{
		Wallet:      strings.ToLower(user.Hex()),
		Amount:      amount,
		TxHash:      l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
	}, nil
}

func (a *Adapter) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(a.signer, a.chainID)
	if err != nil {
		return nil, apperr.Internal("ESCROW_SIGNER_FAILED", "build transactor", err)
	}
	opts.Context = ctx
	return opts, nil
}

// ExecuteSettlement submits a single-record settlement transaction and
// returns its hash once broadcast (confirmation is awaited by the caller).
func (a *Adapter) ExecuteSettlement(ctx context.Context, item SettlementItem) (string, error) {
	a.txMu.Lock()
	defer a.txMu.Unlock()

	opts, err := a.transactOpts(ctx)
	if err != nil {
		return "", err
	}

	tx, err := a.contract.Transact(opts, "reportUsage",
		common.HexToAddress(item.UserWallet),
		common.HexToAddress(item.NodeWallet),
		item.Amount,
		item.VMID,
	)
	if err != nil {
		return "", classifyTxError(err)
	}
	return tx.Hash().Hex(), nil
}

// ExecuteBatchSettlement submits a batch settlement transaction covering up
// to MaxBatchSize items (contract-enforced).
func (a *Adapter) ExecuteBatchSettlement(ctx context.Context, items []SettlementItem) (string, error) {
	if len(items) == 0 {
		return "", apperr.InvalidInput("ESCROW_EMPTY_BATCH", "batch must contain at least one item")
	}
	if len(items) > MaxBatchSize {
		return "", apperr.InvalidInput("ESCROW_BATCH_TOO_LARGE", fmt.Sprintf("batch exceeds %d items", MaxBatchSize))
	}

	users := make([]common.Address, len(items))
	nodes := make([]common.Address, len(items))
	amounts := make([]*big.Int, len(items))
	vmIDs := make([]string, len(items))
	for i, item := range items {
		users[i] = common.HexToAddress(item.UserWallet)
		nodes[i] = common.HexToAddress(item.NodeWallet)
		amounts[i] = item.Amount
		vmIDs[i] = item.VMID
	}

	a.txMu.Lock()
	defer a.txMu.Unlock()

	opts, err := a.transactOpts(ctx)
	if err != nil {
		return "", err
	}

	tx, err := a.contract.Transact(opts, "batchReportUsage", users, nodes, amounts, vmIDs)
	if err != nil {
		return "", classifyTxError(err)
	}
	return tx.Hash().Hex(), nil
}

// WaitMined blocks until txHash is included in a block, or ctx is
// cancelled. Used by the settlement ticker to bound its
// wait-for-confirmation window.
func (a *Adapter) WaitMined(ctx context.Context, txHash string) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)
	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, apperr.Upstream("ESCROW_RECEIPT_FAILED", "poll transaction receipt", err)
		}
		select {
		case <-ctx.Done():
			return nil, apperr.Upstream("ESCROW_WAIT_TIMEOUT", "timed out waiting for confirmation", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

// classifyTxError maps a raw submission error to the result taxonomy:
// nonce collisions are retryable, reverts are fatal for the batch, anything
// else is treated as a retryable RPC failure.
func classifyTxError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low") || strings.Contains(msg, "nonce too high") || strings.Contains(msg, "replacement transaction underpriced"):
		return apperr.Upstream("ESCROW_NONCE_COLLISION", "nonce collision submitting settlement", err)
	case strings.Contains(msg, "revert") || strings.Contains(msg, "execution reverted"):
		return apperr.New(apperr.KindInternal, "ESCROW_TX_REVERTED", "settlement transaction reverted")
	default:
		return apperr.Upstream("ESCROW_RPC_FAILED", "submit settlement transaction", err)
	}
}

// SplitSettlement splits a total amount into node share and platform fee at
// the contract's fixed 1500bps fee, matching usage.Split's rounding.
func SplitSettlement(totalCost float64) (nodeShare, platformFee float64) {
	nodeShare = round6(totalCost * (1 - float64(PlatformFeeBps)/10000))
	platformFee = round6(totalCost - nodeShare)
	return nodeShare, platformFee
}

func round6(v float64) float64 {
	const scale = 1e6
	if v < 0 {
		return -round6(-v)
	}
	return float64(int64(v*scale+0.5)) / scale
}
