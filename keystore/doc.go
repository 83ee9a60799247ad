// Package keystore implements the name-keyed store for authority trust
// material: one signing key and one GID per authority name, plus a
// trusted-roots namespace holding the GIDs of federation peers. Backends are
// selected by URI scheme (file://, vault://, s3://) through the Factory.
package keystore
