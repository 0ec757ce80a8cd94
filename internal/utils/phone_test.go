package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "trunk prefix", in: "0712345678", want: "254712345678"},
		{name: "plus international", in: "+254712345678", want: "254712345678"},
		{name: "bare subscriber", in: "712345678", want: "254712345678"},
		{name: "already canonical", in: "254712345678", want: "254712345678"},
		{name: "whitespace", in: " 0712 345 678 ", want: "254712345678"},
		{name: "airtel style subscriber", in: "0110123456", want: "254110123456"},
		{name: "bare 1xx subscriber", in: "110123456", want: "254110123456"},
		{name: "unknown prefix best effort", in: "812345678", want: "254812345678"},
		{name: "empty", in: "", want: ""},
		{name: "only whitespace", in: "   ", want: ""},
		{name: "letters", in: "07abc", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.in))
		})
	}
}

func TestNormalizePhoneEquivalenceClass(t *testing.T) {
	inputs := []string{"0712345678", "+254712345678", "712345678", "254712345678"}
	for _, in := range inputs {
		assert.Equal(t, "254712345678", NormalizePhone(in), in)
	}
}

func TestIsValidMSISDN(t *testing.T) {
	assert.True(t, IsValidMSISDN("254712345678", "254"))
	assert.False(t, IsValidMSISDN("25471234567", "254"))
	assert.False(t, IsValidMSISDN("255712345678", "254"))
	assert.True(t, IsValidMSISDN("255712345678", "255"))
	assert.False(t, IsValidMSISDN("254712345678", "255"))
	assert.False(t, IsValidMSISDN("2557123456789", "255"))
	assert.False(t, IsValidMSISDN("", "254"))
	assert.False(t, IsValidMSISDN("712345678", ""))
}

func TestNormalizePhoneWithCode(t *testing.T) {
	assert.Equal(t, "255712345678", NormalizePhoneWithCode("0712345678", "255"))
	assert.Equal(t, "255712345678", NormalizePhoneWithCode("+255712345678", "255"))
	assert.Equal(t, "255712345678", NormalizePhoneWithCode("712345678", "255"))
}
