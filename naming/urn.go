package naming

import (
	"fmt"
	"strings"
)

// ObjectType tags the kind of entity an HRN or URN names.
type ObjectType string

const (
	TypeAuthority ObjectType = "authority"
	TypeSlice     ObjectType = "slice"
	TypeNode      ObjectType = "node"
	TypeUser      ObjectType = "user"
	TypeSliver    ObjectType = "sliver"
)

// ParseObjectType validates an object type tag.
func ParseObjectType(s string) (ObjectType, error) {
	switch t := ObjectType(s); t {
	case TypeAuthority, TypeSlice, TypeNode, TypeUser, TypeSliver:
		return t, nil
	default:
		return "", fmt.Errorf("unknown object type %q", s)
	}
}

// urnPrefix is the public identifier namespace all federation URNs share.
const urnPrefix = "urn:publicid:IDN"

// URN is the canonical typed encoding of an HRN:
//
//	urn:publicid:IDN+<parent components ':'-joined>+<type>+<leaf>
//
// The authority part is empty for a single-component HRN. Conversion to and
// from HRN form is total and lossless for the type tag.
type URN string

// HRNToURN encodes an HRN and its object type as a URN.
func HRNToURN(hrn HRN, typ ObjectType) URN {
	comps := hrn.Components()
	authority := strings.Join(comps[:len(comps)-1], ":")
	return URN(fmt.Sprintf("%s+%s+%s+%s", urnPrefix, authority, typ, hrn.Leaf()))
}

// ParseURN decodes a URN back into its HRN and object type.
func ParseURN(u URN) (HRN, ObjectType, error) {
	s := string(u)
	if !strings.HasPrefix(s, urnPrefix+"+") {
		return "", "", fmt.Errorf("%w: missing %q prefix in %q", ErrInvalidHRN, urnPrefix, s)
	}
	parts := strings.Split(strings.TrimPrefix(s, urnPrefix+"+"), "+")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("%w: expected authority+type+name in %q", ErrInvalidHRN, s)
	}
	authority, typStr, leaf := parts[0], parts[1], parts[2]

	typ, err := ParseObjectType(typStr)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidHRN, err)
	}

	name := leaf
	if authority != "" {
		name = strings.ReplaceAll(authority, ":", ".") + "." + leaf
	}
	hrn, err := ParseHRN(name)
	if err != nil {
		return "", "", err
	}
	return hrn, typ, nil
}

// String returns the URN as a plain string.
func (u URN) String() string {
	return string(u)
}
