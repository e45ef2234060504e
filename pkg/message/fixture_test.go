package message

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-as2/internal/keystore"
	"github.com/sirosfoundation/go-as2/internal/testutil"
	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/smime/smimetest"
	"github.com/sirosfoundation/go-as2/pkg/workspace"
)

// side is one AS2 station: its own identity and its view of the peer.
type side struct {
	local  *partner.Partner
	remote *partner.Partner
	rt     Runtime
	sec    *smimetest.Fake
}

type pair struct {
	a, b *side
}

// newPair builds stations A and B. The mutators adjust the configuration
// each side holds for its peer.
func newPair(t *testing.T, aViewOfB, bViewOfA func(*partner.Config)) *pair {
	t.Helper()
	idA := testutil.NewIdentity(t, "station-a", false)
	idB := testutil.NewIdentity(t, "station-b", false)

	build := func(localID string, own *testutil.Identity, remoteID string, peer *testutil.Identity, mutate func(*partner.Config)) *side {
		store, err := keystore.NewFileStore(filepath.Join(t.TempDir(), "_private"))
		require.NoError(t, err)

		local, err := partner.New(partner.Config{
			ID:             localID,
			Email:          localID + "@example.com",
			SendURL:        "https://" + localID + ".example.com/as2",
			IsLocal:        true,
			PKCS12:         own.PKCS12(t, "pw"),
			PKCS12Password: "pw",
		}, partner.WithSecretStore(store))
		require.NoError(t, err)

		cfg := partner.Config{
			ID:          remoteID,
			Email:       remoteID + "@example.com",
			SendURL:     "https://" + remoteID + ".example.com/as2",
			Certificate: keystore.EncodeCertificates(peer.Cert),
		}
		if mutate != nil {
			mutate(&cfg)
		}
		remote, err := partner.New(cfg, partner.WithSecretStore(store))
		require.NoError(t, err)

		scope, err := workspace.New(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = scope.Release() })

		sec := &smimetest.Fake{}
		return &side{
			local:  local,
			remote: remote,
			sec:    sec,
			rt:     Runtime{Security: sec, Scope: scope},
		}
	}

	return &pair{
		a: build("A", idA, "B", idB, aViewOfB),
		b: build("B", idB, "A", idA, bViewOfA),
	}
}

// transmit hands an encoded envelope to the other station as a Request.
func transmit(t *testing.T, env interface {
	Headers() *header.Collection
	Body() ([]byte, error)
}, to *side) *Request {
	t.Helper()
	body, err := env.Body()
	require.NoError(t, err)
	req, err := NewRequest(to.rt, body, env.Headers().Clone(), to.remote, to.local)
	require.NoError(t, err)
	return req
}
