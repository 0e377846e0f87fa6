package util

import (
	"strconv"
	"strings"
	"unicode"
)

var digitFolder = strings.NewReplacer(
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
	"۰", "0", "۱", "1", "۲", "2", "۳", "3", "۴", "4",
	"۵", "5", "۶", "6", "۷", "7", "۸", "8", "۹", "9",
)

// FoldDigits maps Arabic-Indic and Persian digits to ASCII.
func FoldDigits(s string) string { return digitFolder.Replace(s) }

// FirstInt returns the first run of digits in s as an integer.
// Thousands separators inside the run ("1,500") are tolerated.
func FirstInt(s string) (int64, bool) {
	s = FoldDigits(s)
	start := -1
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			if start < 0 {
				start = i
			}
			b.WriteRune(r)
		case (r == ',' || r == '٬') && start >= 0:
			continue
		default:
			if start >= 0 {
				return parseDigits(b.String())
			}
		}
	}
	if start < 0 {
		return 0, false
	}
	return parseDigits(b.String())
}

func parseDigits(d string) (int64, bool) {
	n, err := strconv.ParseInt(d, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsBareNumber reports whether s is only digits (after folding and trimming).
func IsBareNumber(s string) bool {
	s = strings.TrimSpace(FoldDigits(s))
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var arabicFolder = strings.NewReplacer(
	"أ", "ا", "إ", "ا", "آ", "ا",
	"ة", "ه",
	"ى", "ي",
	"*", "", "_", "", "~", "", "`", "",
)

// NormalizeText lower-cases, unifies common Arabic letter variants, drops
// diacritics and chat formatting marks, and collapses whitespace.
func NormalizeText(s string) string {
	s = strings.ToLower(arabicFolder.Replace(s))
	s = strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) || r == 'ـ' {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// ContainsKeyword matches a keyword against normalized text. Latin keywords
// must match whole words ("no" does not match "now"); Arabic keywords match
// anywhere, since they are often glued to prefixes like "ال" or "و".
func ContainsKeyword(text, kw string) bool {
	kw = NormalizeText(kw)
	if kw == "" {
		return false
	}
	if !isASCII(kw) {
		return strings.Contains(text, kw)
	}
	padded := " " + strings.Join(strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ") + " "
	return strings.Contains(padded, " "+kw+" ")
}

// ContainsAny reports whether any keyword matches.
func ContainsAny(text string, kws []string) bool {
	for _, kw := range kws {
		if ContainsKeyword(text, kw) {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
