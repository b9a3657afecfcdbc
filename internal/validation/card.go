package validation

import (
	"regexp"
	"strings"
	"time"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/pkg/models"
)

const maxExpiryYearsAhead = 30

var (
	holderNamePattern = regexp.MustCompile(`^[a-zA-Z\s\-']+$`)

	visaPattern       = regexp.MustCompile(`^4\d{12}(?:\d{3})?$`)
	mastercardPattern = regexp.MustCompile(`^5[1-5]\d{14}$`)
	amexPattern       = regexp.MustCompile(`^3[47]\d{13}$`)
	discoverPattern   = regexp.MustCompile(`^6(?:011|5\d{2})\d{12}$`)
)

// ValidateCard checks the card fields before they are sent to the gateway.
// The first failing field wins.
func ValidateCard(card models.CardData, now time.Time) error {
	if !LuhnValid(card.Number) {
		return apperr.Validation("cardNumber", "Card number is invalid")
	}
	if !ExpiryValid(card.ExpMonth, card.ExpYear, now) {
		return apperr.Validation("expiration", "Card expiration date is invalid or expired")
	}
	if !CVVValid(card.CVV) {
		return apperr.Validation("cvv", "CVV must be 3 or 4 digits")
	}
	if !HolderNameValid(card.HolderName) {
		return apperr.Validation("cardholderName", "Cardholder name is invalid")
	}
	return nil
}

// LuhnValid runs the mod-10 checksum over the digits of number. Spaces are
// allowed as group separators; any other non-digit fails.
func LuhnValid(number string) bool {
	digits, ok := digitsAndSpaces(number)
	if !ok || len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func CVVValid(cvv string) bool {
	digits, ok := digitsAndSpaces(cvv)
	return ok && len(digits) >= 3 && len(digits) <= 4
}

// ExpiryValid accepts cards that expire at the end of the current month or later,
// up to 30 years ahead.
func ExpiryValid(month, year int, now time.Time) bool {
	if month < 1 || month > 12 {
		return false
	}
	currentYear, currentMonth := now.Year(), int(now.Month())
	if year < currentYear {
		return false
	}
	if year == currentYear && month < currentMonth {
		return false
	}
	return year <= currentYear+maxExpiryYearsAhead
}

func HolderNameValid(name string) bool {
	if len(strings.TrimSpace(name)) < 2 {
		return false
	}
	return holderNamePattern.MatchString(name)
}

// CardBrand guesses the network from the number prefix.
func CardBrand(number string) string {
	n := onlyDigits(number)
	switch {
	case visaPattern.MatchString(n):
		return "VISA"
	case mastercardPattern.MatchString(n):
		return "MASTERCARD"
	case amexPattern.MatchString(n):
		return "AMEX"
	case discoverPattern.MatchString(n):
		return "DISCOVER"
	default:
		return "UNKNOWN"
	}
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// digitsAndSpaces returns the digits of s with spaces removed. ok is false
// when s holds anything other than digits and spaces.
func digitsAndSpaces(s string) (digits string, ok bool) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == ' ':
		default:
			return "", false
		}
	}
	return b.String(), true
}
