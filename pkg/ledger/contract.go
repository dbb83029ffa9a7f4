package ledger

import (
	"bytes"
	_ "embed"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Savings pools contract methods.
const (
	MethodPlans             = "plans"
	MethodNextPlanId        = "nextPlanId"
	MethodGetPlansByUser    = "getPlansByUser"
	MethodGetParticipants   = "getParticipants"
	MethodGetContribution   = "getContribution"
	MethodCreatePlan        = "createPlan"
	MethodJoinPlan          = "joinPlan"
	MethodAddParticipant    = "addParticipant"
	MethodRemoveParticipant = "removeParticipant"
	MethodDeposit           = "deposit"
	MethodWithdraw          = "withdrawToBeneficiary"
	MethodClaimRefund       = "claimRefund"
	MethodCancelPlan        = "cancelPlan"
)

// ERC20 token methods.
const (
	MethodAllowance = "allowance"
	MethodBalanceOf = "balanceOf"
	MethodDecimals  = "decimals"
	MethodApprove   = "approve"
)

var (
	//go:embed abi/pools.json
	poolsABIJSON []byte
	//go:embed abi/erc20.json
	erc20ABIJSON []byte

	PoolsABI = mustParseABI(poolsABIJSON)
	ERC20ABI = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}
	return parsed
}

func argAddress(args []any, i int) (common.Address, error) {
	if i >= len(args) {
		return common.Address{}, fmt.Errorf("%w: missing argument %d", ErrBadArguments, i)
	}
	addr, ok := args[i].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: argument %d is %T, want address", ErrBadArguments, i, args[i])
	}
	return addr, nil
}

func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("%w: missing argument %d", ErrBadArguments, i)
	}
	v, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %d is %T, want string", ErrBadArguments, i, args[i])
	}
	return v, nil
}

func argBig(args []any, i int) (*big.Int, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("%w: missing argument %d", ErrBadArguments, i)
	}
	v, ok := args[i].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: argument %d is %T, want *big.Int", ErrBadArguments, i, args[i])
	}
	return v, nil
}

func argAddresses(args []any, i int) ([]common.Address, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("%w: missing argument %d", ErrBadArguments, i)
	}
	v, ok := args[i].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: argument %d is %T, want []address", ErrBadArguments, i, args[i])
	}
	return v, nil
}
