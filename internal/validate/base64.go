package validate

import (
	"encoding/base64"
	"fmt"
)

// DecodeBase64 decodes data the way the Vuforia APIs do: any character
// outside the base64 alphabet is an encoding error, but bad padding is
// repaired by the remainder of the length divided by four before decoding
// (1: drop the last character, 2: append "==", 3: append "=").
func DecodeBase64(value string) ([]byte, error) {
	for _, r := range value {
		ok := (r >= 'A' && r <= 'Z') ||
			(r >= 'a' && r <= 'z') ||
			(r >= '0' && r <= '9') ||
			r == '+' || r == '/' || r == '='
		if !ok {
			return nil, fmt.Errorf("invalid base64 character %q", r)
		}
	}

	switch len(value) % 4 {
	case 1:
		value = value[:len(value)-1]
	case 2:
		value += "=="
	case 3:
		value += "="
	}

	return base64.StdEncoding.DecodeString(value)
}
