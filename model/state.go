package model

// EntityKind identifies one of the domestic entity families tracked by the
// portal.
type EntityKind string

// Entity kinds.
const (
	KindProperty    EntityKind = "property"
	KindApplication EntityKind = "application"
	KindAgreement   EntityKind = "agreement"
	KindGrievance   EntityKind = "grievance"
)

// Kinds lists every entity kind in a stable order.
func Kinds() []EntityKind {
	return []EntityKind{KindProperty, KindApplication, KindAgreement, KindGrievance}
}

// State is a lifecycle position. Each entity kind has its own closed set of
// states; see EntityKind.States.
type State string

// Property states.
const (
	PropertyDraft    State = "draft"
	PropertyInReview State = "in-review"
	PropertyLive     State = "live"
	PropertyOccupied State = "occupied"
	PropertyRejected State = "rejected"
	PropertyDelisted State = "delisted"
)

// Application states.
const (
	ApplicationSubmitted            State = "submitted"
	ApplicationDocumentVerification State = "document-verification"
	ApplicationLandlordReview       State = "landlord-review"
	ApplicationApproved             State = "approved"
	ApplicationRejected             State = "rejected"
	ApplicationAgreementGeneration  State = "agreement-generation"
	ApplicationDigitalSigning       State = "digital-signing"
	ApplicationRegistered           State = "registered"
)

// Agreement states.
const (
	AgreementDraft                  State = "draft"
	AgreementPendingTenantSignature State = "pending-tenant-signature"
	AgreementSigned                 State = "signed"
	AgreementRegistered             State = "registered"
)

// Grievance states.
const (
	GrievanceSubmitted State = "submitted"
	GrievanceAssigned  State = "assigned"
	GrievanceInReview  State = "in-review"
	GrievanceResolved  State = "resolved"
	GrievanceClosed    State = "closed"
)

// Trigger names an event that drives a lifecycle transition.
type Trigger string

// Property triggers.
const (
	TriggerSubmit         Trigger = "submit"
	TriggerApprove        Trigger = "approve"
	TriggerReject         Trigger = "reject"
	TriggerTenantMovesIn  Trigger = "tenantMovesIn"
	TriggerTenantMovesOut Trigger = "tenantMovesOut"
	TriggerDelist         Trigger = "delist"
)

// Application triggers.
const (
	TriggerVerifyDocs        Trigger = "verifyDocs"
	TriggerForward           Trigger = "forward"
	TriggerGenerateAgreement Trigger = "generateAgreement"
	TriggerSendForSigning    Trigger = "sendForSigning"
	TriggerBothPartiesSigned Trigger = "bothPartiesSigned"
)

// Agreement triggers.
const (
	TriggerLandlordSigns         Trigger = "landlordSigns"
	TriggerTenantSigns           Trigger = "tenantSigns"
	TriggerRegisterWithAuthority Trigger = "registerWithAuthority"
)

// Grievance triggers.
const (
	TriggerAssign      Trigger = "assign"
	TriggerStartReview Trigger = "startReview"
	TriggerResolve     Trigger = "resolve"
	TriggerClose       Trigger = "close"
	TriggerEscalate    Trigger = "escalate"
	TriggerReopen      Trigger = "reopen"
)

type stateSet struct {
	initial  State
	states   []State
	terminal map[State]bool
}

var kindStates = map[EntityKind]stateSet{
	KindProperty: {
		initial: PropertyDraft,
		states: []State{
			PropertyDraft, PropertyInReview, PropertyLive, PropertyOccupied,
			PropertyRejected, PropertyDelisted,
		},
		terminal: map[State]bool{PropertyRejected: true, PropertyDelisted: true},
	},
	KindApplication: {
		initial: ApplicationSubmitted,
		states: []State{
			ApplicationSubmitted, ApplicationDocumentVerification, ApplicationLandlordReview,
			ApplicationApproved, ApplicationRejected, ApplicationAgreementGeneration,
			ApplicationDigitalSigning, ApplicationRegistered,
		},
		terminal: map[State]bool{ApplicationRejected: true, ApplicationRegistered: true},
	},
	KindAgreement: {
		initial: AgreementDraft,
		states: []State{
			AgreementDraft, AgreementPendingTenantSignature, AgreementSigned, AgreementRegistered,
		},
		terminal: map[State]bool{AgreementRegistered: true},
	},
	KindGrievance: {
		initial: GrievanceSubmitted,
		states: []State{
			GrievanceSubmitted, GrievanceAssigned, GrievanceInReview, GrievanceResolved, GrievanceClosed,
		},
		terminal: map[State]bool{GrievanceClosed: true},
	},
}

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	_, ok := kindStates[k]
	return ok
}

// States returns the closed state set of the kind, in lifecycle order.
func (k EntityKind) States() []State {
	return append([]State(nil), kindStates[k].states...)
}

// Initial returns the state a new entity of this kind starts in.
func (k EntityKind) Initial() State {
	return kindStates[k].initial
}

// Has reports whether s belongs to the kind's state set.
func (k EntityKind) Has(s State) bool {
	for _, st := range kindStates[k].states {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal state for the kind. Terminal
// entities are retained; closure is itself a state.
func (k EntityKind) Terminal(s State) bool {
	return kindStates[k].terminal[s]
}

// ParseKind converts a raw string to an EntityKind.
func ParseKind(raw string) (EntityKind, bool) {
	k := EntityKind(raw)
	return k, k.Valid()
}
