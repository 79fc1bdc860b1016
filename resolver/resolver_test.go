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

package resolver_test

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Bikeman868/Gravity-sub000/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNSAffinity(t *testing.T) {
	t.Parallel()
	mixed := []netip.Addr{
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("::ffff:10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
	}
	lookup := func(context.Context, string, string) ([]netip.Addr, error) {
		return mixed, nil
	}
	testCases := []struct {
		affinity resolver.AddressFamilyAffinity
		want     []string
	}{
		{affinity: resolver.AllFamilies, want: []string{"2001:db8::1", "10.0.0.1", "10.0.0.2"}},
		{affinity: resolver.PreferIPv4, want: []string{"10.0.0.1", "10.0.0.2"}},
		{affinity: resolver.PreferIPv6, want: []string{"2001:db8::1"}},
	}
	for _, testCase := range testCases {
		addresses, err := resolver.NewLookup(lookup, testCase.affinity).Resolve(context.Background(), "backend")
		require.NoError(t, err)
		got := make([]string, len(addresses))
		for i, address := range addresses {
			got[i] = address.String()
		}
		assert.Equal(t, testCase.want, got)
	}
}

func TestDNSPreferFallsBack(t *testing.T) {
	t.Parallel()
	lookup := func(context.Context, string, string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, nil
	}
	addresses, err := resolver.NewLookup(lookup, resolver.PreferIPv6).Resolve(context.Background(), "backend")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1")}, addresses)
}

func TestDNSLiteral(t *testing.T) {
	t.Parallel()
	lookup := func(context.Context, string, string) ([]netip.Addr, error) {
		return nil, errors.New("lookup must not be called")
	}
	dns := resolver.NewLookup(lookup, resolver.AllFamilies)
	addresses, err := dns.Resolve(context.Background(), "192.168.1.20")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.168.1.20")}, addresses)

	addresses, err = dns.Resolve(context.Background(), "[::1]")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.IPv6Loopback()}, addresses)

	assert.True(t, resolver.IsLiteral("10.1.1.1"))
	assert.False(t, resolver.IsLiteral("example.com"))
}

func TestDNSErrors(t *testing.T) {
	t.Parallel()
	failure := errors.New("no such host")
	dns := resolver.NewLookup(func(context.Context, string, string) ([]netip.Addr, error) {
		return nil, failure
	}, resolver.AllFamilies)
	_, err := dns.Resolve(context.Background(), "missing")
	require.ErrorIs(t, err, failure)

	empty := resolver.NewLookup(func(context.Context, string, string) ([]netip.Addr, error) {
		return nil, nil
	}, resolver.AllFamilies)
	_, err = empty.Resolve(context.Background(), "empty")
	require.Error(t, err)
}

func TestDNSCollapsesConcurrentLookups(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	release := make(chan struct{})
	dns := resolver.NewLookup(func(context.Context, string, string) ([]netip.Addr, error) {
		calls.Add(1)
		<-release
		return []netip.Addr{netip.MustParseAddr("10.0.0.1")}, nil
	}, resolver.AllFamilies)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addresses, err := dns.Resolve(context.Background(), "shared")
			assert.NoError(t, err)
			assert.Len(t, addresses, 1)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Less(t, calls.Load(), int32(10))
}

func TestStatic(t *testing.T) {
	t.Parallel()
	static := resolver.Static{"api": {netip.MustParseAddr("10.0.0.9")}}
	addresses, err := static.Resolve(context.Background(), "API")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.9")}, addresses)
	_, err = static.Resolve(context.Background(), "other")
	require.Error(t, err)
}

func TestParseAffinity(t *testing.T) {
	t.Parallel()
	affinity, err := resolver.ParseAffinity("IPv6")
	require.NoError(t, err)
	assert.Equal(t, resolver.PreferIPv6, affinity)
	_, err = resolver.ParseAffinity("ipx")
	require.Error(t, err)
}
