// Package paywall holds the domain model shared across the SDK: configuration
// state, user identity, subscription status, placement presentation records,
// purchase outcomes and engine options. The package is import-light on purpose
// so every other layer can depend on it without cycles.
package paywall
