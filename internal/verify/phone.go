package verify

import (
	"regexp"
	"strings"
)

var (
	russianPhone    = regexp.MustCompile(`^\+7\d{10}$`)
	belarusianPhone = regexp.MustCompile(`^\+375\d{9}$`)
)

// ValidPhone accepts +7 followed by 10 digits or +375 followed by 9 digits.
func ValidPhone(phone string) bool {
	return russianPhone.MatchString(phone) || belarusianPhone.MatchString(phone)
}

// MaskPhone hides the middle digits for logs and API responses.
// Numbers of any other shape are returned unchanged.
func MaskPhone(phone string) string {
	switch {
	case strings.HasPrefix(phone, "+375") && len(phone) == 13:
		return phone[:6] + "***" + phone[len(phone)-4:]
	case strings.HasPrefix(phone, "+7") && len(phone) == 12:
		return phone[:4] + "***" + phone[len(phone)-4:]
	default:
		return phone
	}
}
