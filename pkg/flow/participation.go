package flow

import (
	"github.com/bitsave/pools/pkg/identity"
	"github.com/ethereum/go-ethereum/common"
)

// NeedsJoin reports whether caller must join before depositing. The owner never joins.
func NeedsJoin(participants []common.Address, owner, caller common.Address) bool {
	if caller == owner {
		return false
	}
	return !identity.Contains(participants, caller)
}

// NeedsJoinFor is NeedsJoin over textual identities, compared without regard to letter case.
func NeedsJoinFor(participants []string, owner, caller string) bool {
	if identity.Same(owner, caller) {
		return false
	}
	for _, p := range participants {
		if identity.Same(p, caller) {
			return false
		}
	}
	return true
}
