// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"

	"golang.org/x/sync/singleflight"
)

// AddressFamilyAffinity is an option that allows control over the preference
// for which addresses to consider when resolving, based on their address
// family.
type AddressFamilyAffinity int

const (
	// AllFamilies will result in all addresses being used, regardless of
	// their address family.
	AllFamilies AddressFamilyAffinity = iota

	// PreferIPv4 will result in only IPv4 addresses being used, if any
	// IPv4 addresses are present. If no IPv4 addresses are resolved, then
	// all addresses will be used.
	PreferIPv4

	// PreferIPv6 will result in only IPv6 addresses being used, if any
	// IPv6 addresses are present. If no IPv6 addresses are resolved, then
	// all addresses will be used.
	PreferIPv6
)

// ParseAffinity parses "", "all", "ipv4" or "ipv6".
func ParseAffinity(s string) (AddressFamilyAffinity, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return AllFamilies, nil
	case "ipv4":
		return PreferIPv4, nil
	case "ipv6":
		return PreferIPv6, nil
	}
	return AllFamilies, fmt.Errorf("unknown address family %q", s)
}

// Resolver resolves a host name to its addresses once.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// IsLiteral reports whether host is an IP address rather than a name.
func IsLiteral(host string) bool {
	_, err := netip.ParseAddr(strings.Trim(host, "[]"))
	return err == nil
}

// LookupFunc matches (*net.Resolver).LookupNetIP.
type LookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

// DNS resolves names through a net.Resolver.
type DNS struct {
	lookup   LookupFunc
	affinity AddressFamilyAffinity
	group    singleflight.Group
}

// NewDNS creates a DNS resolver. A nil resolver means net.DefaultResolver.
func NewDNS(resolver *net.Resolver, affinity AddressFamilyAffinity) *DNS {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return NewLookup(resolver.LookupNetIP, affinity)
}

// NewLookup creates a DNS resolver on top of an arbitrary lookup function.
func NewLookup(lookup LookupFunc, affinity AddressFamilyAffinity) *DNS {
	return &DNS{lookup: lookup, affinity: affinity}
}

// Resolve implements Resolver. The returned slice is owned by the caller.
func (d *DNS) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	host = strings.Trim(host, "[]")
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	result, err, _ := d.group.Do(host, func() (any, error) {
		addresses, err := d.lookup(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		return filter(addresses, d.affinity), nil
	})
	if err != nil {
		return nil, err
	}
	addresses, _ := result.([]netip.Addr)
	if len(addresses) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	return slices.Clone(addresses), nil
}

func filter(addresses []netip.Addr, affinity AddressFamilyAffinity) []netip.Addr {
	unmapped := make([]netip.Addr, len(addresses))
	for i, address := range addresses {
		unmapped[i] = address.Unmap()
	}
	var keep func(netip.Addr) bool
	switch affinity {
	case PreferIPv4:
		keep = netip.Addr.Is4
	case PreferIPv6:
		keep = netip.Addr.Is6
	default:
		return unmapped
	}
	preferred := make([]netip.Addr, 0, len(unmapped))
	for _, address := range unmapped {
		if keep(address) {
			preferred = append(preferred, address)
		}
	}
	if len(preferred) == 0 {
		return unmapped
	}
	return preferred
}

// Static resolves names from a fixed table. Names missing from the table
// fail to resolve.
type Static map[string][]netip.Addr

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return []netip.Addr{addr}, nil
	}
	addresses, ok := s[strings.ToLower(host)]
	if !ok || len(addresses) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	return slices.Clone(addresses), nil
}
