// Package status maps lifecycle states to the tone and label every view
// renders them with. It is the only place such presentation decisions live.
package status

import (
	"strings"

	"github.com/pitabwire/rentalportal/model"
)

// Tone is the visual treatment of a status badge.
type Tone string

// Tones.
const (
	ToneSuccess Tone = "success"
	ToneWarning Tone = "warning"
	ToneDanger  Tone = "danger"
	ToneInfo    Tone = "info"
)

// Badge is the rendered form of one state.
type Badge struct {
	Kind  model.EntityKind `json:"kind"`
	State model.State      `json:"state"`
	Tone  Tone             `json:"tone"`
	Label string           `json:"label"`
}

type key struct {
	kind  model.EntityKind
	state model.State
}

type entry struct {
	tone  Tone
	label string
}

var palette = map[key]entry{
	{model.KindProperty, model.PropertyDraft}:    {ToneInfo, "Draft"},
	{model.KindProperty, model.PropertyInReview}: {ToneWarning, "Under review"},
	{model.KindProperty, model.PropertyLive}:     {ToneSuccess, "Live"},
	{model.KindProperty, model.PropertyOccupied}: {ToneSuccess, "Occupied"},
	{model.KindProperty, model.PropertyRejected}: {ToneDanger, "Rejected"},
	{model.KindProperty, model.PropertyDelisted}: {ToneInfo, "Delisted"},

	{model.KindApplication, model.ApplicationSubmitted}:            {ToneInfo, "Submitted"},
	{model.KindApplication, model.ApplicationDocumentVerification}: {ToneWarning, "Verifying documents"},
	{model.KindApplication, model.ApplicationLandlordReview}:       {ToneWarning, "With landlord"},
	{model.KindApplication, model.ApplicationApproved}:             {ToneSuccess, "Approved"},
	{model.KindApplication, model.ApplicationRejected}:             {ToneDanger, "Rejected"},
	{model.KindApplication, model.ApplicationAgreementGeneration}:  {ToneWarning, "Preparing agreement"},
	{model.KindApplication, model.ApplicationDigitalSigning}:       {ToneWarning, "Awaiting signatures"},
	{model.KindApplication, model.ApplicationRegistered}:           {ToneSuccess, "Registered"},

	{model.KindAgreement, model.AgreementDraft}:                  {ToneInfo, "Draft"},
	{model.KindAgreement, model.AgreementPendingTenantSignature}: {ToneWarning, "Awaiting tenant signature"},
	{model.KindAgreement, model.AgreementSigned}:                 {ToneSuccess, "Signed"},
	{model.KindAgreement, model.AgreementRegistered}:             {ToneSuccess, "Registered"},

	{model.KindGrievance, model.GrievanceSubmitted}: {ToneInfo, "Submitted"},
	{model.KindGrievance, model.GrievanceAssigned}:  {ToneWarning, "Assigned"},
	{model.KindGrievance, model.GrievanceInReview}:  {ToneWarning, "In review"},
	{model.KindGrievance, model.GrievanceResolved}:  {ToneSuccess, "Resolved"},
	{model.KindGrievance, model.GrievanceClosed}:    {ToneInfo, "Closed"},
}

// For returns the badge for a state. Unknown pairs render as info with a
// label derived from the state name.
func For(kind model.EntityKind, state model.State) Badge {
	if e, ok := palette[key{kind, state}]; ok {
		return Badge{Kind: kind, State: state, Tone: e.tone, Label: e.label}
	}
	return Badge{Kind: kind, State: state, Tone: ToneInfo, Label: humanize(string(state))}
}

// Of returns the badge for an entity's current state.
func Of(e model.Entity) Badge {
	return For(e.Kind, e.State)
}

// Palette returns every badge, grouped by kind in lifecycle order.
func Palette() []Badge {
	var out []Badge
	for _, kind := range model.Kinds() {
		for _, state := range kind.States() {
			out = append(out, For(kind, state))
		}
	}
	return out
}

func humanize(s string) string {
	s = strings.ReplaceAll(s, "-", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
