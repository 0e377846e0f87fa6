package gatekeeper

import (
	"bidflow/internal/util"
)

type Intent string

const (
	IntentCancel     Intent = "cancel"
	IntentAccept     Intent = "accept_offer"
	IntentReject     Intent = "reject_offer"
	IntentView       Intent = "view_offers"
	IntentNewRequest Intent = "new_request"
)

// Classification is the intent of a customer message. OfferNumber is the
// 1-based offer the customer referred to, or 0.
type Classification struct {
	Intent      Intent
	OfferNumber int
}

var (
	cancelWords = map[string]bool{}
	acceptWords = []string{"قبول", "موافق", "تمام", "اعتمد", "قبلت", "accept"}
	rejectWords = []string{"رفض", "لا شكرا", "لا اريد", "reject", "no"}
	viewWords   = []string{"عروض", "اعرض", "show", "offers"}
)

func init() {
	for _, w := range []string{"cancel", "reset", "stop", "exit", "quit", "الغاء", "كنسل", "خروج", "توقف", "انهاء"} {
		cancelWords[util.NormalizeText(w)] = true
	}
}

// Classify is a pure function over the message text.
func Classify(text string) Classification {
	text = util.NormalizeText(text)
	switch {
	case text == "":
		return Classification{Intent: IntentNewRequest}
	case cancelWords[text]:
		return Classification{Intent: IntentCancel}
	case util.IsBareNumber(text) && len(util.FoldDigits(text)) <= 2:
		n, _ := util.FirstInt(text)
		return Classification{Intent: IntentAccept, OfferNumber: int(n)}
	case util.ContainsAny(text, acceptWords):
		return Classification{Intent: IntentAccept, OfferNumber: offerNumber(text)}
	case util.ContainsAny(text, rejectWords):
		return Classification{Intent: IntentReject, OfferNumber: offerNumber(text)}
	case util.ContainsAny(text, viewWords):
		return Classification{Intent: IntentView}
	}
	return Classification{Intent: IntentNewRequest}
}

func offerNumber(text string) int {
	n, ok := util.FirstInt(text)
	if !ok || n > 99 {
		return 0
	}
	return int(n)
}
