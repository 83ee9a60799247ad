package credential

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedlab/registry-backend/gid"
	"github.com/fedlab/registry-backend/naming"
	"github.com/fedlab/registry-backend/rights"
)

type fixture struct {
	rootKey, siteKey, aliceKey, bobKey, sliceKey *ecdsa.PrivateKey
	root, site, alice, bob, slice                *gid.GID

	peerKey, peerOpKey *ecdsa.PrivateKey
	peer, peerOp       *gid.GID

	pool     *gid.TrustPool
	verifier *Verifier
}

func mustIssue(t *testing.T, subject naming.HRN, typ naming.ObjectType, pub any, issuerKey *ecdsa.PrivateKey, issuer *gid.GID) *gid.GID {
	t.Helper()
	g, err := gid.Issue(gid.IssueParams{Subject: subject, Type: typ, PublicKey: pub}, issuerKey, issuer)
	require.NoError(t, err)
	return g
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}

	var err error
	for _, key := range []**ecdsa.PrivateKey{&f.rootKey, &f.siteKey, &f.aliceKey, &f.bobKey, &f.sliceKey, &f.peerKey, &f.peerOpKey} {
		*key, err = gid.NewKey()
		require.NoError(t, err)
	}

	f.root = mustIssue(t, "root", naming.TypeAuthority, f.rootKey.Public(), f.rootKey, nil)
	f.site = mustIssue(t, "root.siteA", naming.TypeAuthority, f.siteKey.Public(), f.rootKey, f.root)
	f.alice = mustIssue(t, "root.siteA.alice", naming.TypeUser, f.aliceKey.Public(), f.siteKey, f.site)
	f.bob = mustIssue(t, "root.siteA.bob", naming.TypeUser, f.bobKey.Public(), f.siteKey, f.site)
	f.slice = mustIssue(t, "root.siteA.proj", naming.TypeSlice, f.sliceKey.Public(), f.siteKey, f.site)

	f.peer = mustIssue(t, "fed2", naming.TypeAuthority, f.peerKey.Public(), f.peerKey, nil)
	f.peerOp = mustIssue(t, "fed2.operator", naming.TypeUser, f.peerOpKey.Public(), f.peerKey, f.peer)

	f.pool = gid.NewTrustPool(f.root, f.peer)
	f.verifier = NewVerifier(f.pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

// sliceCred issues a root credential granting alice rights over the slice.
func (f *fixture) sliceCred(t *testing.T, rs rights.Set, expires time.Time) *Credential {
	t.Helper()
	cred := &Credential{
		Object:  f.slice,
		Caller:  f.alice,
		Rights:  rs,
		Expires: expires,
	}
	require.NoError(t, Sign(cred, f.siteKey, f.site))
	return cred
}

func TestEncodeDecodeVerify(t *testing.T) {
	f := newFixture(t)
	cred := f.sliceCred(t, rights.NewSet(rights.Refresh, rights.Resolve, rights.Info), time.Now().Add(time.Hour))

	enc, err := cred.Encode()
	require.NoError(t, err)

	decoded, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, f.slice.HRN(), decoded.Object.HRN())
	assert.Equal(t, f.alice.HRN(), decoded.Caller.HRN())
	assert.True(t, decoded.Rights.Has(rights.Refresh))

	require.NoError(t, f.verifier.Verify(decoded, rights.Refresh, f.slice.HRN(), CheckOptions{}))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode("not/base64!!")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(base64.StdEncoding.EncodeToString([]byte("{}")))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTamperedPayloadRejected(t *testing.T) {
	f := newFixture(t)
	cred := f.sliceCred(t, rights.NewSet(rights.Refresh, rights.Resolve, rights.Info), time.Now().Add(time.Hour))

	enc, err := cred.Encode()
	require.NoError(t, err)

	// Swap a right inside the signed payload without re-signing.
	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	raw = bytes.Replace(raw, []byte(`"refresh"`), []byte(`"control"`), 1)

	tampered, err := Decode(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)

	err = f.verifier.Verify(tampered, "", "", CheckOptions{})
	assertReason(t, err, ReasonUntrustedChain)
}

func TestExpiredDespiteValidSignature(t *testing.T) {
	f := newFixture(t)
	cred := f.sliceCred(t, rights.NewSet(rights.Refresh), time.Now().Add(-time.Hour))

	// The signature still verifies; expiry alone rejects it.
	require.NoError(t, cred.verifySignature())

	err := f.verifier.Verify(cred, rights.Refresh, f.slice.HRN(), CheckOptions{})
	assertReason(t, err, ReasonExpired)
}

func TestInsufficientRights(t *testing.T) {
	f := newFixture(t)
	cred := f.sliceCred(t, rights.NewSet(rights.Info), time.Now().Add(time.Hour))

	err := f.verifier.Verify(cred, rights.Control, f.slice.HRN(), CheckOptions{})
	assertReason(t, err, ReasonInsufficientRights)
}

func TestUntrustedRootCredentialIssuer(t *testing.T) {
	f := newFixture(t)

	// The peer authority signs a credential over a slice outside its
	// namespace. Its chain is trusted but it is no authority over the object.
	cred := &Credential{
		Object:  f.slice,
		Caller:  f.peerOp,
		Rights:  rights.NewSet(rights.Info),
		Expires: time.Now().Add(time.Hour),
	}
	require.NoError(t, Sign(cred, f.peerKey, f.peer))

	err := f.verifier.Verify(cred, "", "", CheckOptions{})
	assertReason(t, err, ReasonUntrustedChain)
}

func TestDelegation(t *testing.T) {
	f := newFixture(t)
	parent := f.sliceCred(t, rights.NewSet(rights.Refresh, rights.Resolve), time.Now().Add(time.Hour))

	child := &Credential{
		Object:  f.slice,
		Caller:  f.slice,
		Rights:  rights.NewSet(rights.Refresh),
		Expires: time.Now().Add(30 * time.Minute),
		Parent:  parent,
	}
	require.NoError(t, Sign(child, f.aliceKey, f.alice))

	require.NoError(t, f.verifier.Verify(child, rights.Refresh, f.slice.HRN(), CheckOptions{}))

	// Survives the wire.
	enc, err := child.Encode()
	require.NoError(t, err)
	decoded, err := Decode(enc)
	require.NoError(t, err)
	require.NotNil(t, decoded.Parent)
	require.NoError(t, f.verifier.Verify(decoded, rights.Refresh, f.slice.HRN(), CheckOptions{}))
}

func TestDelegationRightsEscalation(t *testing.T) {
	f := newFixture(t)
	parent := f.sliceCred(t, rights.NewSet(rights.Refresh, rights.Resolve), time.Now().Add(time.Hour))

	child := &Credential{
		Object:  f.slice,
		Caller:  f.slice,
		Rights:  rights.NewSet(rights.Refresh, rights.Control),
		Expires: time.Now().Add(time.Hour),
		Parent:  parent,
	}
	require.NoError(t, Sign(child, f.aliceKey, f.alice))

	err := f.verifier.Verify(child, rights.Refresh, f.slice.HRN(), CheckOptions{})
	assertReason(t, err, ReasonRightsEscalation)
}

func TestDelegationContinuityBroken(t *testing.T) {
	f := newFixture(t)
	parent := f.sliceCred(t, rights.NewSet(rights.Refresh), time.Now().Add(time.Hour))

	// Caller does not match the parent's subject.
	child := &Credential{
		Object:  f.slice,
		Caller:  f.bob,
		Rights:  rights.NewSet(rights.Refresh),
		Expires: time.Now().Add(time.Hour),
		Parent:  parent,
	}
	require.NoError(t, Sign(child, f.aliceKey, f.alice))

	err := f.verifier.Verify(child, rights.Refresh, f.slice.HRN(), CheckOptions{})
	assertReason(t, err, ReasonRightsEscalation)
}

func TestDelegationWrongSigner(t *testing.T) {
	f := newFixture(t)
	parent := f.sliceCred(t, rights.NewSet(rights.Refresh), time.Now().Add(time.Hour))

	// Signed by bob, who does not hold the parent.
	child := &Credential{
		Object:  f.slice,
		Caller:  f.slice,
		Rights:  rights.NewSet(rights.Refresh),
		Expires: time.Now().Add(time.Hour),
		Parent:  parent,
	}
	require.NoError(t, Sign(child, f.bobKey, f.bob))

	err := f.verifier.Verify(child, rights.Refresh, f.slice.HRN(), CheckOptions{})
	assertReason(t, err, ReasonUntrustedChain)
}

func TestTargetMismatch(t *testing.T) {
	f := newFixture(t)
	cred := f.sliceCred(t, rights.NewSet(rights.Resolve), time.Now().Add(time.Hour))

	err := f.verifier.Verify(cred, rights.Resolve, "root.siteA.other", CheckOptions{})
	assertReason(t, err, ReasonTargetMismatch)
}

func TestTrustedPeerTargetExemption(t *testing.T) {
	f := newFixture(t)

	// A credential held by an operator issued directly by a trusted peer
	// root may act across subject names.
	obj := mustIssue(t, "fed2.res", naming.TypeSlice, f.peerOpKey.Public(), f.peerKey, f.peer)
	cred := &Credential{
		Object:  obj,
		Caller:  f.peerOp,
		Rights:  rights.NewSet(rights.Resolve),
		Expires: time.Now().Add(time.Hour),
	}
	require.NoError(t, Sign(cred, f.peerKey, f.peer))

	require.NoError(t, f.verifier.Verify(cred, rights.Resolve, f.slice.HRN(), CheckOptions{}))
}

func TestSpeaksFor(t *testing.T) {
	f := newFixture(t)
	cred := f.sliceCred(t, rights.NewSet(rights.Resolve), time.Now().Add(time.Hour))

	// The effective caller is taken from the speaks-for identity, so its
	// peer-root issuance unlocks the cross-name exemption.
	require.NoError(t, f.verifier.Verify(cred, rights.Resolve, "root.siteA.other", CheckOptions{SpeaksFor: f.peerOp}))

	// A speaks-for identity with an unverifiable chain is rejected outright.
	strayKey, err := gid.NewKey()
	require.NoError(t, err)
	stray := mustIssue(t, "nowhere.eve", naming.TypeUser, strayKey.Public(), strayKey, nil)
	err = f.verifier.Verify(cred, rights.Resolve, f.slice.HRN(), CheckOptions{SpeaksFor: stray})
	assertReason(t, err, ReasonUntrustedChain)
}

func TestCheckCredentials(t *testing.T) {
	f := newFixture(t)

	valid := f.sliceCred(t, rights.NewSet(rights.Refresh), time.Now().Add(time.Hour))
	expired := f.sliceCred(t, rights.NewSet(rights.Refresh), time.Now().Add(-time.Hour))

	validEnc, err := valid.Encode()
	require.NoError(t, err)
	expiredEnc, err := expired.Encode()
	require.NoError(t, err)

	accepted, err := f.verifier.CheckCredentials(
		[]string{"garbage", expiredEnc, validEnc},
		rights.Refresh, []naming.HRN{f.slice.HRN()}, CheckOptions{})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, f.alice.HRN(), accepted[0].Caller.HRN())
}

func TestCheckCredentialsKeepsMostAdvancedRejection(t *testing.T) {
	f := newFixture(t)

	expired := f.sliceCred(t, rights.NewSet(rights.Refresh), time.Now().Add(-time.Hour))
	expiredEnc, err := expired.Encode()
	require.NoError(t, err)

	// The expired credential got further through verification than the
	// garbage one, so its reason wins.
	_, err = f.verifier.CheckCredentials(
		[]string{"garbage", expiredEnc},
		rights.Refresh, []naming.HRN{f.slice.HRN()}, CheckOptions{})
	assertReason(t, err, ReasonExpired)

	_, err = f.verifier.CheckCredentials(nil, rights.Refresh, nil, CheckOptions{})
	assertReason(t, err, ReasonMalformed)
}

func assertReason(t *testing.T, err error, want Reason) {
	t.Helper()
	require.Error(t, err)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, want, rej.Reason)
}
