// Package cryptoutils holds the TLS helpers of the gateway.
//
// A gateway started without a CA issued certificate serves a RandomCert and
// logs its PubkeyPin. Remote clients then trust exactly that key with
// PinnedTLSConfig:
//
//	https://gateway:8443?pin=<hex>
//
// The pin is the SHA-256 of the PEM encoded SubjectPublicKeyInfo.
package cryptoutils
