package util

import "testing"

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"whatsapp:+966500000001": "+966500000001",
		" +966 50 000 0001 ":     "+966500000001",
		"":                       "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("NormalizePhone(%q): expected %q, got %q", in, want, got)
		}
	}
	if got := WhatsAppAddress("+966500000001"); got != "whatsapp:+966500000001" {
		t.Fatalf("unexpected address %q", got)
	}
}

func TestFirstInt(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"500", 500, true},
		{"price is 1,500 SAR", 1500, true},
		{"٣٥٠ ريال", 350, true},
		{"offer 200 for 20 people", 200, true},
		{"no digits here", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := FirstInt(c.in)
		if ok != c.ok || got != c.want {
			t.Fatalf("FirstInt(%q): expected (%d,%v), got (%d,%v)", c.in, c.want, c.ok, got, ok)
		}
	}
}

func TestIsBareNumber(t *testing.T) {
	if !IsBareNumber(" ٢ ") {
		t.Fatalf("expected arabic digit to be bare number")
	}
	if IsBareNumber("2 please") || IsBareNumber("") {
		t.Fatalf("expected non-bare inputs to be rejected")
	}
}

func TestNormalizeText(t *testing.T) {
	if got := NormalizeText("  *إلغاء*  "); got != "الغاء" {
		t.Fatalf("unexpected normalization %q", got)
	}
	if got := NormalizeText("CANCEL"); got != "cancel" {
		t.Fatalf("unexpected normalization %q", got)
	}
	if got := NormalizeText("انتهى"); got != "انتهي" {
		t.Fatalf("unexpected normalization %q", got)
	}
}

func TestRenderTemplate(t *testing.T) {
	got := RenderTemplate("Hi {name}, ref {ref}", map[string]string{"name": "Sara", "ref": "REQ_1"})
	if got != "Hi Sara, ref REQ_1" {
		t.Fatalf("unexpected render %q", got)
	}
	// a vendor note containing a placeholder is not expanded
	got = RenderTemplate("{notes} / {ref}", map[string]string{"notes": "see {ref}", "ref": "REQ_2"})
	if got != "see {ref} / REQ_2" {
		t.Fatalf("value was re-expanded: %q", got)
	}
}

func TestShortRef(t *testing.T) {
	if got := ShortRef("REQ_01HZX7J3K9ABCDEFGH"); got != "REQ_ABCDEFGH" {
		t.Fatalf("unexpected short ref %q", got)
	}
}

func TestContainsKeyword(t *testing.T) {
	cases := []struct {
		text, kw string
		want     bool
	}{
		{"no thanks", "no", true},
		{"send now", "no", false},
		{"ok, send now!", "send now", true},
		{"وموافق", "موافق", true},
		{"ملاحظه", "ملاحظة", true},
		{"notes", "note", false},
		{"", "offer", false},
	}
	for _, c := range cases {
		if got := ContainsKeyword(NormalizeText(c.text), c.kw); got != c.want {
			t.Fatalf("ContainsKeyword(%q,%q)=%v want %v", c.text, c.kw, got, c.want)
		}
	}
}
