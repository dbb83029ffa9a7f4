package identity

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Directory is a static NameService backed by configuration.
type Directory struct {
	mu      sync.RWMutex
	byName  map[string]common.Address
	byAddr  map[common.Address]string
	avatars map[string]string
}

func NewDirectory(names map[string]string) (*Directory, error) {
	d := &Directory{
		byName:  make(map[string]common.Address, len(names)),
		byAddr:  make(map[common.Address]string, len(names)),
		avatars: make(map[string]string),
	}
	for name, hex := range names {
		addr, err := Parse(hex)
		if err != nil {
			return nil, fmt.Errorf("directory entry %s: %w", name, err)
		}
		d.Register(name, addr)
	}
	return d, nil
}

func (d *Directory) Register(name string, addr common.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(name))
	d.byName[key] = addr
	d.byAddr[addr] = key
}

func (d *Directory) SetAvatar(name string, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.avatars[strings.ToLower(name)] = url
}

func (d *Directory) Lookup(ctx context.Context, name string) (common.Address, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.byName[strings.ToLower(name)]
	if !ok {
		return common.Address{}, ErrNameNotFound
	}
	return addr, nil
}

func (d *Directory) ReverseLookup(ctx context.Context, addr common.Address) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byAddr[addr], nil
}

func (d *Directory) Avatar(ctx context.Context, name string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.avatars[strings.ToLower(name)], nil
}

// Addresses returns every registered address in byte order.
func (d *Directory) Addresses() []common.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make([]common.Address, 0, len(d.byAddr))
	for addr := range d.byAddr {
		result = append(result, addr)
	}
	slices.SortFunc(result, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })
	return result
}
