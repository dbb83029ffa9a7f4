package identity

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

type contextKey string

const CallerKey contextKey = "caller"

var ErrNoCaller = errors.New("caller not found")

// CurrentCaller retrieves the wallet address of the current caller. Returns ErrNoCaller if not present in context.
func CurrentCaller(ctx context.Context) (common.Address, error) {
	caller, ok := ctx.Value(CallerKey).(common.Address)
	if !ok {
		log.Trace("caller not found in context")
		return common.Address{}, ErrNoCaller
	}
	return caller, nil
}

func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}
