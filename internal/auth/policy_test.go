package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePasswordPolicy(t *testing.T) {
	p, err := ParsePasswordPolicy([]string{"Length(8)", " Uppercase(2) ", "NonLetters(3)"})
	require.NoError(t, err)
	assert.Equal(t, []Requirement{
		{Name: "length", Min: 8, Raw: "Length(8)"},
		{Name: "uppercase", Min: 2, Raw: "Uppercase(2)"},
		{Name: "nonletters", Min: 3, Raw: "NonLetters(3)"},
	}, p.Requirements)

	for _, bad := range []string{"Length", "(8)", "Length(x)", "Length(8"} {
		_, err := ParsePasswordPolicy([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestPasswordPolicy_Test(t *testing.T) {
	p, err := ParsePasswordPolicy([]string{"Length(8)", "Uppercase(1)", "Numbers(2)", "Special(1)", "NonLetters(3)", "Strength(1)"})
	require.NoError(t, err)

	tests := []struct {
		password string
		failed   []string
	}{
		{"Abcdef12!", nil},
		{"abcdef12!", []string{"Uppercase(1)"}},
		{"Abc1!", []string{"Length(8)", "Numbers(2)", "NonLetters(3)"}},
		{"Abcdefgh", []string{"Numbers(2)", "Special(1)", "NonLetters(3)"}},
		{"ÄÖÜäöü12#", nil},
	}

	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			var got []string
			for _, r := range p.Test(tt.password) {
				got = append(got, r.String())
			}
			assert.Equal(t, tt.failed, got)
		})
	}
}

func TestRequirement_String(t *testing.T) {
	assert.Equal(t, "length(4)", Requirement{Name: "length", Min: 4}.String())
}
