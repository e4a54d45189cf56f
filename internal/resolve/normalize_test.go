package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/property-reconciler/internal/model"
)

func TestNormalizeUPRN(t *testing.T) {
	tests := []struct{ in, want string }{
		{"123456789012", "123456789012"},
		{"000123", "123"},
		{" 10-00 ", "1000"},
		{"0000", ""},
		{"", ""},
		{"n/a", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeUPRN(tt.in), tt.in)
	}
}

func TestNormalizePostcode(t *testing.T) {
	tests := []struct{ in, want, sector, district string }{
		{"SW1A 1AA", "SW1A 1AA", "SW1A 1", "SW1A"},
		{"sw1a1aa", "SW1A 1AA", "SW1A 1", "SW1A"},
		{" m1  1ae ", "M1 1AE", "M1 1", "M1"},
		{"EC2R-8AH", "EC2R 8AH", "EC2R 8", "EC2R"},
		{"SW1", "", "", ""},
		{"", "", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePostcode(tt.in), tt.in)
		assert.Equal(t, tt.sector, PostcodeSector(tt.in), tt.in)
		assert.Equal(t, tt.district, PostcodeDistrict(tt.in), tt.in)
	}
}

func TestNormalizeRef(t *testing.T) {
	assert.Equal(t, "CT00123A", NormalizeRef(" ct-00123/a "))
}

func TestAddressTokens(t *testing.T) {
	a := AddressTokens(model.Address{Line1: "10 Downing Street", PostTown: "London", Postcode: "SW1A 2AA"})
	b := AddressTokens(model.Address{Line1: "10 DOWNING ST."})
	assert.Equal(t, []string{"10", "DOWNING", "STREET"}, a)
	assert.Equal(t, a, b)

	c := AddressTokens(model.Address{Line1: "Flat 2, Café Côte", Line2: "Rue Rd", Locality: "Øster"})
	assert.Equal(t, []string{"FLAT", "2", "CAFE", "COTE", "RUE", "ROAD", "ØSTER"}, c)
}
