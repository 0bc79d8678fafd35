package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainOfEmail(t *testing.T) {
	domain, err := DomainOfEmail("John.Doe@Example.COM")
	assert.NoError(t, err)
	assert.Equal(t, "example.com", domain)

	_, err = DomainOfEmail("not-an-address")
	assert.Error(t, err)
}

func TestValidEmail(t *testing.T) {
	assert.True(t, ValidEmail("john.doe@example.com"))
	assert.True(t, ValidEmail("j+tag@sub.example.co.uk"))
	assert.False(t, ValidEmail(""))
	assert.False(t, ValidEmail("no-at-sign"))
	assert.False(t, ValidEmail("a@@b.com"))
}
