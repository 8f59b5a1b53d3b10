package xmr

import "strings"

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// ValidAddress reports whether s is shaped like a Monero address: base58,
// 95 characters for standard and subaddresses or 106 for integrated ones,
// with a known network prefix. Checksums are left to the wallet.
func ValidAddress(s string) bool {
	if len(s) != 95 && len(s) != 106 {
		return false
	}
	// 4/8 mainnet, 5/7 stagenet, 9/A/B testnet.
	if !strings.ContainsRune("4857", rune(s[0])) && !strings.ContainsRune("9AB", rune(s[0])) {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(base58Alphabet, r) {
			return false
		}
	}
	return true
}
