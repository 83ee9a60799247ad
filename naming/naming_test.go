package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHRN(t *testing.T) {
	hrn, err := ParseHRN("root.siteA.alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", hrn.Leaf())
	assert.Equal(t, []string{"root", "siteA", "alice"}, hrn.Components())
	assert.Equal(t, 3, hrn.Depth())

	_, err = ParseHRN("")
	assert.ErrorIs(t, err, ErrInvalidHRN)

	_, err = ParseHRN("root..leaf")
	assert.ErrorIs(t, err, ErrInvalidHRN)

	_, err = ParseHRN("root.with/slash")
	assert.ErrorIs(t, err, ErrInvalidHRN)
}

func TestParent(t *testing.T) {
	hrn := HRN("root.siteA.proj")

	parent, ok := hrn.Parent()
	require.True(t, ok)
	assert.Equal(t, HRN("root.siteA"), parent)

	root, ok := parent.Parent()
	require.True(t, ok)
	assert.Equal(t, HRN("root"), root)
	assert.True(t, root.IsRoot())

	_, ok = root.Parent()
	assert.False(t, ok)
}

func TestAncestry(t *testing.T) {
	root := HRN("root")
	site := HRN("root.siteA")
	slice := HRN("root.siteA.proj")
	other := HRN("root.siteB")

	assert.True(t, root.IsAncestorOf(site))
	assert.True(t, root.IsAncestorOf(slice))
	assert.True(t, site.IsAncestorOf(slice))
	assert.False(t, site.IsAncestorOf(other))
	assert.False(t, slice.IsAncestorOf(site))
	assert.False(t, site.IsAncestorOf(site))
	assert.True(t, site.ContainsOrEquals(site))
	assert.True(t, site.ContainsOrEquals(slice))

	// Prefix of a component is not an ancestor.
	assert.False(t, HRN("root.site").IsAncestorOf(HRN("root.siteA")))
}

func TestURNRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		hrn HRN
		typ ObjectType
	}{
		{"root.siteA", TypeAuthority},
		{"root.siteA.proj", TypeSlice},
		{"root.siteA.node-7", TypeNode},
		{"root.siteA.alice", TypeUser},
		{"root", TypeAuthority},
	} {
		urn := HRNToURN(tc.hrn, tc.typ)
		hrn, typ, err := ParseURN(urn)
		require.NoError(t, err, string(urn))
		assert.Equal(t, tc.hrn, hrn)
		assert.Equal(t, tc.typ, typ)
	}
}

func TestURNEncoding(t *testing.T) {
	urn := HRNToURN(HRN("root.siteA.proj"), TypeSlice)
	assert.Equal(t, URN("urn:publicid:IDN+root:siteA+slice+proj"), urn)

	_, _, err := ParseURN(URN("urn:publicid:IDN+root+widget+x"))
	assert.Error(t, err)

	_, _, err = ParseURN(URN("not-a-urn"))
	assert.Error(t, err)
}
