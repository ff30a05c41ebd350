// Package httpheader checks header names and values taken from
// configuration before they reach an outgoing request.
package httpheader

import (
	"fmt"
	"sort"
	"strings"
)

// ValidateMap checks every pair of headers. Errors name the first bad
// header in sorted order so repeated runs report the same problem.
func ValidateMap(headers map[string]string) error {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, rawName := range names {
		if err := ValidateName(rawName); err != nil {
			return err
		}
		if err := ValidateValue(rawName, headers[rawName]); err != nil {
			return err
		}
	}
	return nil
}

func ValidateName(rawName string) error {
	name := strings.TrimSpace(rawName)
	if name == "" {
		return fmt.Errorf("header name must not be empty")
	}
	if rawName != name {
		return fmt.Errorf("header %q has leading or trailing whitespace", rawName)
	}
	for i := 0; i < len(name); i++ {
		if !isTokenByte(name[i]) {
			return fmt.Errorf("header %q has invalid field name", name)
		}
	}
	return nil
}

// ValidateValue rejects control characters other than tab. name is only
// used in the error.
func ValidateValue(name, value string) error {
	for i := 0; i < len(value); i++ {
		b := value[i]
		if b == 0x7f || (b < 0x20 && b != '\t') {
			return fmt.Errorf("header %q has invalid field value", name)
		}
	}
	return nil
}

func isTokenByte(b byte) bool {
	switch {
	case b >= '0' && b <= '9', b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z':
		return true
	}
	switch b {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	default:
		return false
	}
}
