// Package payment defines the payment-asset vocabulary shared by the
// marketplace and rental services.
package payment

// Asset identifies a fungible payment asset. The empty value is invalid; the
// native asset uses the Native sentinel code.
type Asset string

// Native is the chain-native payment asset.
const Native Asset = "native"

// BpsDenominator is the denominator for all basis-point fee math.
const BpsDenominator = 10_000

// Share returns the floor of amount*bps/10000. All fee splits in the engine
// go through this helper so rounding is uniform.
func Share(amount, bps int64) int64 {
	return amount * bps / BpsDenominator
}

// Valid reports whether the asset code is non-empty.
func (a Asset) Valid() bool { return a != "" }
