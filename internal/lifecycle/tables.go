package lifecycle

import (
	"time"

	"github.com/pitabwire/rentalportal/model"
)

// DefaultReopenWindow is how long a resolved grievance may be reopened when
// no window is configured.
const DefaultReopenWindow = 7 * 24 * time.Hour

// Options tunes the concrete tables.
type Options struct {
	// ReopenWindow bounds how long after resolution a grievance accepts
	// reopen. Zero selects DefaultReopenWindow; a negative value disables
	// reopening.
	ReopenWindow time.Duration
}

// Tables returns the property, application, agreement and grievance tables.
func Tables(opts Options) []*Table {
	window := opts.ReopenWindow
	if window == 0 {
		window = DefaultReopenWindow
	}
	return []*Table{
		PropertyTable(),
		ApplicationTable(),
		AgreementTable(),
		GrievanceTable(window),
	}
}

// PropertyTable is the listing lifecycle. Any non-terminal listing can be
// delisted.
func PropertyTable() *Table {
	edges := []Edge{
		{From: model.PropertyDraft, Trigger: model.TriggerSubmit, To: model.PropertyInReview},
		{From: model.PropertyInReview, Trigger: model.TriggerApprove, To: model.PropertyLive},
		{From: model.PropertyInReview, Trigger: model.TriggerReject, To: model.PropertyRejected},
		{From: model.PropertyLive, Trigger: model.TriggerTenantMovesIn, To: model.PropertyOccupied},
		{From: model.PropertyOccupied, Trigger: model.TriggerTenantMovesOut, To: model.PropertyLive},
	}
	for _, s := range model.KindProperty.States() {
		if !model.KindProperty.Terminal(s) {
			edges = append(edges, Edge{From: s, Trigger: model.TriggerDelist, To: model.PropertyDelisted})
		}
	}
	return NewTable(model.KindProperty, edges...)
}

// ApplicationTable is the rental application lifecycle, from submission to
// registration of the resulting agreement.
func ApplicationTable() *Table {
	return NewTable(model.KindApplication,
		Edge{From: model.ApplicationSubmitted, Trigger: model.TriggerVerifyDocs, To: model.ApplicationDocumentVerification},
		Edge{From: model.ApplicationDocumentVerification, Trigger: model.TriggerForward, To: model.ApplicationLandlordReview},
		Edge{From: model.ApplicationLandlordReview, Trigger: model.TriggerApprove, To: model.ApplicationApproved},
		Edge{From: model.ApplicationLandlordReview, Trigger: model.TriggerReject, To: model.ApplicationRejected},
		Edge{From: model.ApplicationApproved, Trigger: model.TriggerGenerateAgreement, To: model.ApplicationAgreementGeneration},
		Edge{From: model.ApplicationAgreementGeneration, Trigger: model.TriggerSendForSigning, To: model.ApplicationDigitalSigning},
		Edge{From: model.ApplicationDigitalSigning, Trigger: model.TriggerBothPartiesSigned, To: model.ApplicationRegistered},
	)
}

// AgreementTable is the signing lifecycle. The tenant can only sign after
// the landlord has.
func AgreementTable() *Table {
	return NewTable(model.KindAgreement,
		Edge{From: model.AgreementDraft, Trigger: model.TriggerLandlordSigns, To: model.AgreementPendingTenantSignature},
		Edge{From: model.AgreementPendingTenantSignature, Trigger: model.TriggerTenantSigns, To: model.AgreementSigned, Guard: landlordHasSigned},
		Edge{From: model.AgreementSigned, Trigger: model.TriggerRegisterWithAuthority, To: model.AgreementRegistered},
	)
}

// GrievanceTable is the complaint lifecycle. Escalation keeps the grievance
// in review and only adds to its trail; reopen is bounded by window.
func GrievanceTable(window time.Duration) *Table {
	return NewTable(model.KindGrievance,
		Edge{From: model.GrievanceSubmitted, Trigger: model.TriggerAssign, To: model.GrievanceAssigned},
		Edge{From: model.GrievanceAssigned, Trigger: model.TriggerStartReview, To: model.GrievanceInReview},
		Edge{From: model.GrievanceInReview, Trigger: model.TriggerEscalate, To: model.GrievanceInReview},
		Edge{From: model.GrievanceInReview, Trigger: model.TriggerResolve, To: model.GrievanceResolved},
		Edge{From: model.GrievanceResolved, Trigger: model.TriggerClose, To: model.GrievanceClosed},
		Edge{From: model.GrievanceResolved, Trigger: model.TriggerReopen, To: model.GrievanceInReview, Guard: withinReopenWindow(window)},
	)
}

// landlordHasSigned requires the agreement to be awaiting the tenant and its
// trail to record the landlord's signature.
func landlordHasSigned(in GuardInput) bool {
	if in.Entity.State != model.AgreementPendingTenantSignature {
		return false
	}
	for e := range in.Entity.Timeline.Events() {
		if e.Kind == model.EventTransition && e.Trigger == model.TriggerLandlordSigns {
			return true
		}
	}
	return false
}

// withinReopenWindow accepts while no more than window has passed since the
// latest transition into resolved.
func withinReopenWindow(window time.Duration) Guard {
	return func(in GuardInput) bool {
		if window < 0 {
			return false
		}
		var resolvedAt time.Time
		found := false
		for e := range in.Entity.Timeline.Events() {
			if e.Kind == model.EventTransition && e.ToState == model.GrievanceResolved {
				resolvedAt = e.Timestamp
				found = true
			}
		}
		if !found {
			return false
		}
		return !in.Now.After(resolvedAt.Add(window))
	}
}
