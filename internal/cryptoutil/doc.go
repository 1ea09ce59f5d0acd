// Package cryptoutil holds the digest rules shared by the content store,
// the synchronizer and the download path.
//
// Manifest hashes are hex MD5 (32 chars) or hex SHA-1 (any other length).
// Comparisons are constant time and case-insensitive.
package cryptoutil
