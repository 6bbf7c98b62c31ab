// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CleanField trims surrounding whitespace and applies Unicode NFC
// normalization so that visually identical inputs compare equal in the store.
// It returns nil when s is nil or blank after trimming.
//
// Example:
//
//	utils.CleanField(ptr("  a@x.io ")) // -> ptr("a@x.io")
//	utils.CleanField(ptr("   "))       // -> nil
func CleanField(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	v = norm.NFC.String(v)
	return &v
}

// ParseID parses a positive decimal contact id.
func ParseID(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
