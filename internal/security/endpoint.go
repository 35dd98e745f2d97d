package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrInvalidURL     = errors.New("security: invalid endpoint URL")
	ErrBlockedAddress = errors.New("security: endpoint address not allowed")
)

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// EndpointValidator rejects outbound URLs that point at internal networks.
type EndpointValidator struct {
	resolver Resolver
}

// NewEndpointValidator uses r for DNS, or the default resolver when nil.
func NewEndpointValidator(r Resolver) *EndpointValidator {
	if r == nil {
		r = net.DefaultResolver
	}
	return &EndpointValidator{resolver: r}
}

// Validate checks that rawURL is an absolute http(s) URL whose host, literal
// or resolved, is not loopback, private, link-local, or unspecified.
func (v *EndpointValidator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	for _, b := range []string{"localhost", "metadata.google.internal"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedAddress, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := v.resolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrInvalidURL, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to %s: %w", host, a, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback", ErrBlockedAddress)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private", ErrBlockedAddress)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local", ErrBlockedAddress)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified", ErrBlockedAddress)
	}
	return nil
}
