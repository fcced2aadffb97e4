package config

import (
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// maxLocationLen bounds the location query sent upstream, in runes.
const maxLocationLen = 100

// validLocation backs the "location" tag: letters (Unicode), digits, space,
// comma and hyphen, at most maxLocationLen runes. Empty passes; presence is
// checked by required_unless.
func validLocation(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	r := []rune(s)
	if len(r) > maxLocationLen {
		return false
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return false
		}
	}
	return true
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-':
		return true
	}
	return false
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("location", validLocation)
	return v
}
