package utils

import (
	"strings"
	"unicode"
)

// DefaultCountryCode is the Kenyan calling code used by the gateway.
const DefaultCountryCode = "254"

const trunkPrefix = '0'

// localPrefixes are the first digits of subscriber numbers written without a
// trunk or country prefix.
var localPrefixes = []byte{'7', '1'}

// NormalizePhone converts a free-form phone number into the gateway's MSISDN
// form (country code followed by the subscriber number, digits only). It
// returns "" when nothing usable remains.
func NormalizePhone(raw string) string {
	return NormalizePhoneWithCode(raw, DefaultCountryCode)
}

// NormalizePhoneWithCode is NormalizePhone for an arbitrary country code.
func NormalizePhoneWithCode(raw, countryCode string) string {
	phone := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	phone = strings.TrimPrefix(phone, "+")
	if phone == "" {
		return ""
	}

	switch {
	case phone[0] == trunkPrefix:
		phone = countryCode + phone[1:]
	case isLocalPrefix(phone[0]):
		phone = countryCode + phone
	case strings.HasPrefix(phone, countryCode):
		// already international
	default:
		phone = countryCode + strings.TrimLeft(phone, "0")
	}

	if !isDigits(phone) {
		return ""
	}
	return phone
}

// subscriberDigits is the length of a subscriber number without any prefix.
const subscriberDigits = 9

// IsValidMSISDN reports whether phone is a normalized number under
// countryCode: the code followed by a nine digit subscriber number.
func IsValidMSISDN(phone, countryCode string) bool {
	return countryCode != "" &&
		len(phone) == len(countryCode)+subscriberDigits &&
		strings.HasPrefix(phone, countryCode) &&
		isDigits(phone)
}

func isLocalPrefix(b byte) bool {
	for _, p := range localPrefixes {
		if b == p {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
