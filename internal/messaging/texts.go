package messaging

import (
	"fmt"
	"strconv"
	"strings"

	"bidflow/internal/domain"
	"bidflow/internal/util"
)

// Chat copy. Placeholders use {name} and are filled by Render.
const (
	VendorInvitation = "New request {ref}\nService: {category}\nCity: {city}\nOccasion: {occasion}\nDate: {date}\nDetails: {details}\n\nReply with your price to bid."
	VendorStartBid   = "Bidding on {ref} ({category}, {city}). Send your price as a number."
	PromptPrice      = "Please send your price as a number, e.g. 500."
	NoteChoice       = "Price {price} noted for {ref}. Send the offer now or add a note?"
	PromptNoteText   = "Type your note for the customer."
	OfferSent        = "Your offer of {price} for {ref} was sent to the customer."
	DuplicateOffer   = "You already submitted an offer for this request."
	BidCancelled     = "Your draft offer was discarded."
	NoOpenRequests   = "There are no open requests for you right now."
	VendorHelp       = "Send \"offer\" or your price to bid on the latest request."
	ProxyFromVendor  = "Message from {vendor}:\n{body}"
	WinnerVendor     = "Congratulations! Your offer of {price} for {ref} was accepted. Reach the customer at https://wa.me/{phone}"
	LoserVendor      = "Thanks for your offer on {ref}. The customer chose another vendor this time."
	RejectedVendor   = "The customer declined your offer on {ref}."
	CancelledVendor  = "Request {ref} was cancelled by the customer."

	OfferCard         = "New offer #{n} for {ref}\n{vendor} ({rating}★)\nPrice: {price}\nNotes: {notes}"
	LateOffer         = "Another offer arrived for {ref}:\n#{n} {vendor} ({rating}★) - {price}\nReply {n} to accept."
	OffersHeader      = "Offers for {ref}:"
	OffersFooter      = "Reply with an offer number to accept. Details: {link}"
	NoOffersYet       = "No offers yet for {ref}. We'll message you as they arrive."
	CustomerAccepted  = "Confirmed! You accepted {vendor}'s offer of {price}. Contact them at https://wa.me/{phone}"
	CustomerRejected  = "Offer #{n} declined."
	CustomerRejectAll = "All pending offers declined. New offers will still reach you."
	CustomerCancelled = "Your request has been cancelled. Message us any time to start again."
	Blocked           = "You already have an active request {ref}. Reply with an offer number to accept, \"offers\" to view them, or \"cancel\" to start over.\nTrack: {link}"
	RequestCreated    = "Your request {ref} is live! We notified {count} vendors. Track offers: {link}"
	NoCoverage        = "Sorry, no vendors currently serve {category} in {city}."
	Apology           = "Sorry, no vendors have responded to {ref} yet. Please try again later."
	PickOffer         = "Please reply with the number of the offer you want (1-{count})."
	AlreadyAccepted   = "That offer was already accepted."
	AlreadyRejected   = "That offer was already declined."
	CannotReject      = "That offer is already accepted and can't be declined."
	RequestIsClosed   = "This request is already closed."
	NotFoundText      = "We couldn't find that offer or request. It may have expired."
	Busy              = "We're a bit busy right now, please try again shortly."
	InvalidDraft      = "I still need a valid service type and city to create your request."
)

// DefaultNote is used when a vendor submits without adding a note.
const DefaultNote = "عرض سعر (بدون ملاحظات)"

// Button payloads.
const (
	PayloadSendNow = "SEND_NOW"
	PayloadAddNote = "ADD_NOTE"
	AcceptPrefix   = "ACCEPT_"
	RejectPrefix   = "REJECT_"
)

func Render(tmpl string, vars map[string]string) string {
	return util.RenderTemplate(tmpl, vars)
}

func Price(p int64) string { return strconv.FormatInt(p, 10) + " SAR" }

func Rating(r float64) string { return fmt.Sprintf("%.1f", r) }

func TrackingLink(frontendURL string, r domain.Request) string {
	return strings.TrimRight(frontendURL, "/") + "/track/" + r.ID + "?token=" + r.SecurityToken
}

func RequestVars(r domain.Request) map[string]string {
	return map[string]string{
		"ref":      util.ShortRef(r.ID),
		"category": r.Category,
		"city":     strings.TrimSpace(r.City + " " + r.District),
		"occasion": orDash(r.Occasion),
		"date":     orDash(r.EventDate),
		"details":  orDash(r.Details),
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func InvitationPrompt(r domain.Request) string {
	return Render(VendorInvitation, RequestVars(r))
}

// OfferCardPrompt is the interactive card a customer gets per offer.
func OfferCardPrompt(r domain.Request, o domain.Offer, n int) domain.Prompt {
	return domain.Prompt{
		Body: Render(OfferCard, map[string]string{
			"n": strconv.Itoa(n), "ref": util.ShortRef(r.ID), "vendor": o.VendorName,
			"rating": Rating(o.VendorRating), "price": Price(o.Price), "notes": o.Notes,
		}),
		Buttons: []domain.Button{
			{ID: AcceptPrefix + o.ID, Title: "Accept"},
			{ID: RejectPrefix + o.ID, Title: "Reject"},
		},
	}
}

func NoteChoicePrompt(r domain.Request, price int64) domain.Prompt {
	return domain.Prompt{
		Body: Render(NoteChoice, map[string]string{"price": Price(price), "ref": util.ShortRef(r.ID)}),
		Buttons: []domain.Button{
			{ID: PayloadSendNow, Title: "Send now"},
			{ID: PayloadAddNote, Title: "Add note"},
		},
	}
}

// OfferList renders numbered offers. Numbers follow submission order across
// all offers so they stay stable when some are declined.
func OfferList(frontendURL string, r domain.Request, offers []domain.Offer) string {
	if len(offers) == 0 {
		return Render(NoOffersYet, map[string]string{"ref": util.ShortRef(r.ID)})
	}
	var b strings.Builder
	b.WriteString(Render(OffersHeader, map[string]string{"ref": util.ShortRef(r.ID)}))
	for i, o := range offers {
		fmt.Fprintf(&b, "\n%d) %s (%s★) - %s", i+1, o.VendorName, Rating(o.VendorRating), Price(o.Price))
		if o.Notes != "" {
			b.WriteString(" - " + o.Notes)
		}
		if o.Status != domain.OfferPending {
			b.WriteString(" [" + string(o.Status) + "]")
		}
	}
	b.WriteString("\n")
	b.WriteString(Render(OffersFooter, map[string]string{"link": TrackingLink(frontendURL, r)}))
	return b.String()
}

// OfferNumber is the 1-based position of the offer in submission order.
func OfferNumber(offers []domain.Offer, offerID string) int {
	for i, o := range offers {
		if o.ID == offerID {
			return i + 1
		}
	}
	return 0
}

// TextFallback flattens an interactive prompt for channels without buttons.
func TextFallback(p domain.Prompt) string {
	if len(p.Buttons) == 0 {
		return p.Body
	}
	var b strings.Builder
	b.WriteString(p.Body)
	b.WriteString("\n")
	for _, btn := range p.Buttons {
		b.WriteString("\n• " + btn.Title)
	}
	return b.String()
}
