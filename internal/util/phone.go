package util

import "strings"

// NormalizePhone strips the WhatsApp channel prefix and whitespace so the
// same person always maps to the same key.
func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "whatsapp:")
	return strings.ReplaceAll(p, " ", "")
}

// WhatsAppAddress is the inverse of NormalizePhone for provider calls.
func WhatsAppAddress(p string) string {
	p = NormalizePhone(p)
	if p == "" {
		return ""
	}
	return "whatsapp:" + p
}
