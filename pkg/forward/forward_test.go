package forward

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/odin-protocol/signet/pkg/contracts"
	"github.com/odin-protocol/signet/pkg/hel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolverFor(ips ...string) *hel.Resolver {
	return hel.NewResolverWithLookup(func(_ context.Context, _ string) ([]net.IPAddr, error) {
		addrs := make([]net.IPAddr, len(ips))
		for i, ip := range ips {
			addrs[i] = net.IPAddr{IP: net.ParseIP(ip)}
		}
		return addrs, nil
	})
}

func TestForward_InvalidURL(t *testing.T) {
	f := NewForwarder(resolverFor("93.184.216.34"))
	res := f.Forward(context.Background(), "://bad", "t-1", map[string]interface{}{})

	assert.Equal(t, StatusTransportFailure, res.StatusCode)
	assert.NotEmpty(t, res.Error)
}

func TestForward_ResolutionRejected(t *testing.T) {
	f := NewForwarder(resolverFor("10.0.0.1"))
	res := f.Forward(context.Background(), "https://intranet.local/post", "t-1", map[string]interface{}{})

	assert.Equal(t, StatusTransportFailure, res.StatusCode)
	assert.Contains(t, res.Error, contracts.ReasonResolvedPrivate)
	assert.Equal(t, "intranet.local", res.Host)
}

func TestForward_ResolutionFailure(t *testing.T) {
	r := hel.NewResolverWithLookup(func(_ context.Context, _ string) ([]net.IPAddr, error) {
		return nil, errors.New("no such host")
	})
	f := NewForwarder(r)
	res := f.Forward(context.Background(), "https://gone.invalid/post", "t-1", nil)

	assert.Equal(t, StatusTransportFailure, res.StatusCode)
	assert.Contains(t, res.Error, contracts.ReasonResolutionFailed)
}

func TestPickIP_Deterministic(t *testing.T) {
	ips := []net.IP{
		net.ParseIP("93.184.216.34"),
		net.ParseIP("93.184.216.35"),
		net.ParseIP("93.184.216.36"),
	}

	first := pickIP("api.example.com", ips)
	require.NotNil(t, first)

	for i := 0; i < 10; i++ {
		assert.Equal(t, first, pickIP("api.example.com", ips))
	}

	// The pin is a member of the resolved set.
	found := false
	for _, ip := range ips {
		if ip.Equal(first) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPickIP_IndependentOfInputOrder(t *testing.T) {
	a := []net.IP{net.ParseIP("1.1.1.1"), net.ParseIP("8.8.8.8")}
	b := []net.IP{net.ParseIP("8.8.8.8"), net.ParseIP("1.1.1.1")}

	assert.Equal(t, pickIP("host.example.com", a), pickIP("host.example.com", b))
}

func TestFailure_TruncatesError(t *testing.T) {
	res := failure("h", "1.2.3.4", strings.Repeat("x", 500))
	assert.Equal(t, StatusTransportFailure, res.StatusCode)
	assert.Len(t, res.Error, 200)
}
