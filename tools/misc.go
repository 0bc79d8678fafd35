package tools

import (
	"errors"
	"strings"

	"github.com/flashmob/go-guerrilla/mail/rfc5321"
	"github.com/modfin/henry/slicez"
)

// ValidEmail reports whether address parses as a single rfc5322 address.
// The parser loops forever when the input has no @, so that case is
// rejected up front.
func ValidEmail(address string) bool {
	if !strings.Contains(address, "@") {
		return false
	}
	var parser rfc5321.RFC5322
	list, err := parser.Address([]byte(address))
	if err != nil {
		return false
	}
	return len(list.List) == 1
}

func DomainOfEmail(address string) (string, error) {
	parts := strings.Split(address, "@")
	if len(parts) < 2 {
		return "", errors.New("no domain was present in email address")
	}
	return strings.ToLower(slicez.Nth(parts, -1)), nil
}
