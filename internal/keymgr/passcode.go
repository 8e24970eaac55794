package keymgr

import "errors"

// PasscodeLength is the number of digits in a passcode.
const PasscodeLength = 4

// ErrInvalidPasscode is returned for anything that is not exactly four ASCII
// digits. It is a local validation failure and must never reach the network.
var ErrInvalidPasscode = errors.New("invalid passcode")

// ValidatePasscode checks the passcode shape. Surrounding whitespace is not
// trimmed: " 1234" is rejected.
func ValidatePasscode(code string) error {
	if len(code) != PasscodeLength {
		return ErrInvalidPasscode
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return ErrInvalidPasscode
		}
	}
	return nil
}

// IsValidPasscode is ValidatePasscode as a predicate.
func IsValidPasscode(code string) bool {
	return ValidatePasscode(code) == nil
}
