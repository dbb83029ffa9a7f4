package token

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	BaseChainId        int64 = 8453
	BaseSepoliaChainId int64 = 84532
)

// Network is the set of contract addresses and tokens of one chain.
type Network struct {
	ChainId      int64
	Name         string
	PoolsAddress common.Address
	Tokens       []Token
}

var networks = map[int64]Network{
	BaseChainId: {
		ChainId:      BaseChainId,
		Name:         "base",
		PoolsAddress: common.HexToAddress("0xb9F201160C68539a8a860188B30d5ddd0C098885"),
		Tokens: []Token{
			{Symbol: "USDC", Name: "USD Coin", Decimals: 6, Address: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")},
		},
	},
	BaseSepoliaChainId: {
		ChainId:      BaseSepoliaChainId,
		Name:         "base-sepolia",
		PoolsAddress: common.HexToAddress("0x3caAB09d265f701171247Fa697a1fC5fAd8F28Ba"),
		Tokens: []Token{
			{Symbol: "USDC", Name: "USD Coin (Testnet)", Decimals: 18, Address: common.HexToAddress("0xa3d69B7217B096709170f6fc50535e6aBc084f3A")},
		},
	},
}

func NetworkFor(testnet bool) Network {
	if testnet {
		return networks[BaseSepoliaChainId]
	}
	return networks[BaseChainId]
}

func NetworkByChainId(chainId int64) (Network, error) {
	network, ok := networks[chainId]
	if !ok {
		return Network{}, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainId)
	}
	return network, nil
}

func (n Network) Find(addr common.Address) (Token, bool) {
	for _, t := range n.Tokens {
		if t.Address == addr {
			return t, true
		}
	}
	return Token{}, false
}

func (n Network) BySymbol(symbol string) (Token, error) {
	for _, t := range n.Tokens {
		if t.Symbol == symbol {
			return t, nil
		}
	}
	return Token{}, fmt.Errorf("%w: %s on %s", ErrUnsupportedToken, symbol, n.Name)
}

// Describe returns the token for addr, or an "Unknown" token with default decimals.
func (n Network) Describe(addr common.Address) Token {
	if t, ok := n.Find(addr); ok {
		return t
	}
	return Token{Symbol: "Unknown", Decimals: DefaultDecimals, Address: addr}
}
