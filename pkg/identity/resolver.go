package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

type ResolutionErrorKind string

const (
	InvalidFormat  ResolutionErrorKind = "INVALID_FORMAT"
	NameNotFound   ResolutionErrorKind = "NAME_NOT_FOUND"
	NetworkError   ResolutionErrorKind = "NETWORK_ERROR"
	InvalidAddress ResolutionErrorKind = "INVALID_ADDRESS"
	Unknown        ResolutionErrorKind = "UNKNOWN_ERROR"
)

// ResolutionError is the only error type returned by Resolver.Resolve. Callers switch on Kind.
type ResolutionError struct {
	Kind    ResolutionErrorKind
	Message string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

type Resolution struct {
	Address     common.Address
	Name        string
	AvatarUrl   string
	DisplayName string
}

var (
	ErrNameNotFound           = errors.New("name not found")
	ErrNameServiceUnavailable = errors.New("name service unavailable")
)

// NameService looks names up in a naming system. Lookup returns ErrNameNotFound when the
// name has no address, ReverseLookup returns an empty string when the address has no name.
type NameService interface {
	Lookup(ctx context.Context, name string) (common.Address, error)
	ReverseLookup(ctx context.Context, addr common.Address) (string, error)
	Avatar(ctx context.Context, name string) (string, error)
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*\.[a-zA-Z]{2,}$`)

func IsName(input string) bool {
	return namePattern.MatchString(strings.TrimSpace(input))
}

type Resolver struct {
	names NameService
}

func NewResolver(names NameService) *Resolver {
	return &Resolver{names: names}
}

// Resolve accepts either a hex address or a dotted name and returns the account it designates.
func (r *Resolver) Resolve(ctx context.Context, input string) (Resolution, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Resolution{}, &ResolutionError{Kind: InvalidFormat, Message: "input cannot be empty"}
	}

	if IsAddress(trimmed) {
		return r.resolveAddress(ctx, common.HexToAddress(trimmed)), nil
	}

	if strings.Contains(trimmed, ".") {
		return r.resolveName(ctx, trimmed)
	}

	if strings.HasPrefix(strings.ToLower(trimmed), "0x") {
		return Resolution{}, &ResolutionError{
			Kind:    InvalidAddress,
			Message: fmt.Sprintf("%q is not a well-formed address", trimmed),
		}
	}
	return Resolution{}, &ResolutionError{
		Kind:    InvalidFormat,
		Message: "please enter a valid name (e.g. vitalik.eth) or address (0x...)",
	}
}

// resolveAddress never fails: a missing or failing reverse lookup degrades to the short address.
func (r *Resolver) resolveAddress(ctx context.Context, addr common.Address) Resolution {
	resolution := Resolution{Address: addr, DisplayName: Short(addr), AvatarUrl: FallbackAvatar(addr)}

	name, err := r.names.ReverseLookup(ctx, addr)
	if err != nil {
		log.Warnf("reverse name lookup failed for %s: %v", addr.Hex(), err)
		return resolution
	}
	if name == "" {
		return resolution
	}
	resolution.Name = name
	resolution.DisplayName = name
	if avatar := r.avatar(ctx, name); avatar != "" {
		resolution.AvatarUrl = avatar
	}
	return resolution
}

func (r *Resolver) resolveName(ctx context.Context, name string) (Resolution, error) {
	if !IsName(name) {
		return Resolution{}, &ResolutionError{Kind: InvalidFormat, Message: fmt.Sprintf("%q is not a valid name format", name)}
	}
	normalized := strings.ToLower(name)

	addr, err := r.names.Lookup(ctx, normalized)
	if err != nil {
		switch {
		case errors.Is(err, ErrNameNotFound):
			return Resolution{}, &ResolutionError{
				Kind:    NameNotFound,
				Message: fmt.Sprintf("name %q does not resolve to an address", name),
			}
		case isNetworkError(err):
			return Resolution{}, &ResolutionError{
				Kind:    NetworkError,
				Message: "network error while resolving name, check your connection and try again",
			}
		default:
			log.Errorf("failed to resolve name %s: %v", name, err)
			return Resolution{}, &ResolutionError{Kind: Unknown, Message: fmt.Sprintf("failed to resolve name %q", name)}
		}
	}
	if addr == (common.Address{}) {
		return Resolution{}, &ResolutionError{
			Kind:    NameNotFound,
			Message: fmt.Sprintf("name %q does not resolve to an address", name),
		}
	}

	resolution := Resolution{Address: addr, Name: name, DisplayName: name, AvatarUrl: FallbackAvatar(addr)}
	if avatar := r.avatar(ctx, normalized); avatar != "" {
		resolution.AvatarUrl = avatar
	}
	return resolution, nil
}

func (r *Resolver) avatar(ctx context.Context, name string) string {
	avatar, err := r.names.Avatar(ctx, name)
	if err != nil {
		log.Warnf("failed to resolve avatar for %s: %v", name, err)
		return ""
	}
	return avatar
}

func isNetworkError(err error) bool {
	if errors.Is(err, ErrNameServiceUnavailable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// FallbackAvatar is an identicon derived from the address.
func FallbackAvatar(addr common.Address) string {
	return "https://api.dicebear.com/7.x/identicon/svg?seed=" + strings.ToLower(addr.Hex()) + "&backgroundColor=transparent"
}
