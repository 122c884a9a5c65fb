package domain

// CodeLength is the number of digits in a session code.
const CodeLength = 6

// ValidateCode checks that code is exactly six ASCII digits.
func ValidateCode(code string) error {
	if len(code) != CodeLength {
		return NewError(KindValidation, "join", ErrInvalidCode)
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return NewError(KindValidation, "join", ErrInvalidCode)
		}
	}
	return nil
}
