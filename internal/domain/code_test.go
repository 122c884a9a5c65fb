package domain

import (
	"errors"
	"testing"
)

func TestValidateCode(t *testing.T) {
	valid := []string{"123456", "000000"}
	invalid := []string{"", "12345", "1234567", "12a456", "12 456", "１２３４５６"}

	for _, code := range valid {
		if err := ValidateCode(code); err != nil {
			t.Errorf("ValidateCode(%q): unexpected error %v", code, err)
		}
	}
	for _, code := range invalid {
		err := ValidateCode(code)
		if !errors.Is(err, ErrInvalidCode) {
			t.Errorf("ValidateCode(%q): expected ErrInvalidCode, got %v", code, err)
		}
		if KindOf(err) != KindValidation {
			t.Errorf("ValidateCode(%q): expected validation kind", code)
		}
	}
}
