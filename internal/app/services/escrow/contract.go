package escrow

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// contractABI is the fixed ABI the escrow contract exposes: deposit,
// reportUsage, batchReportUsage, nodeWithdraw, userBalances view, and the
// Deposited event. The contract internals are a black box; this is the
// entire surface the adapter binds against.
const contractABI = `[
	{"type":"function","name":"deposit","stateMutability":"payable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"reportUsage","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"node","type":"address"},{"name":"amount","type":"uint256"},{"name":"vmId","type":"string"}],"outputs":[]},
	{"type":"function","name":"batchReportUsage","stateMutability":"nonpayable","inputs":[{"name":"users","type":"address[]"},{"name":"nodes","type":"address[]"},{"name":"amounts","type":"uint256[]"},{"name":"vmIds","type":"string[]"}],"outputs":[]},
	{"type":"function","name":"nodeWithdraw","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"userBalances","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Deposited","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"newBalance","type":"uint256","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]}
]`

// parsedABI decodes the contract ABI, shared by the call and event-scan
// paths.
func parsedABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(contractABI))
}

// depositedEventName is the exported name used to filter escrow deposit
// logs.
const depositedEventName = "Deposited"

// PlatformFeeBps is the contract-fixed platform fee, in basis points.
const PlatformFeeBps = 1500

// USDCDecimals is the fixed-point scale the contract's token amounts use.
const USDCDecimals = 6

// MinDepositUSDC is the contract-enforced minimum deposit.
const MinDepositUSDC = 1

// MaxBlockWindow bounds a single scanDeposits call.
const MaxBlockWindow = 100

// MaxBatchSize bounds a single executeBatchSettlement call.
const MaxBatchSize = 100
