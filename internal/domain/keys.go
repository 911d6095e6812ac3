package domain

import (
	"strings"

	"github.com/google/uuid"
)

// NormalizeBarcode drops the separators people type or print inside a
// barcode (spaces, dashes, dots). A code with any other non-digit is not a
// barcode and normalizes to "".
func NormalizeBarcode(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '\t':
		default:
			return ""
		}
	}
	return b.String()
}

// NormalizeMethod maps a payment method label onto its canonical code.
func NormalizeMethod(raw string) (string, bool) {
	method := strings.ToLower(strings.TrimSpace(raw))
	method = strings.NewReplacer("é", "e", "í", "i", "á", "a").Replace(method)
	switch method {
	case MethodCash, "cash":
		return MethodCash, true
	case MethodCredit, "credit", "fiado":
		return MethodCredit, true
	case MethodTransfer, "transfer", "nequi", "daviplata":
		return MethodTransfer, true
	case MethodCard, "card", "datafono":
		return MethodCard, true
	case MethodOther, "other":
		return MethodOther, true
	}
	return "", false
}

// RequiresReference reports whether a payment part needs an external
// reference: every method except cash and credit.
func RequiresReference(method string) bool {
	return method != MethodCash && method != MethodCredit
}

// IsCanonicalID reports whether id was issued by the row store. Locally
// generated temporary ids are not canonical.
func IsCanonicalID(id string) bool {
	if strings.TrimSpace(id) == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
