package webhook

// Delivery is the raw material the ingress boundary hands to the core: the
// verbatim request body plus the auth material the provider sent alongside it.
// Payme authenticates with an Authorization header, Click carries its
// sign_string inside the body, so the header slot may be empty.
type Delivery struct {
	Body       []byte
	AuthHeader string
}

// ActionKind is the closed set of provider-agnostic domain actions.
type ActionKind string

const (
	ActionCheckFeasibility   ActionKind = "check_feasibility"
	ActionCreateTransaction  ActionKind = "create_transaction"
	ActionPerformTransaction ActionKind = "perform_transaction"
	ActionCancelTransaction  ActionKind = "cancel_transaction"
)

// DomainAction is the normalized interpretation of a provider payload.
type DomainAction struct {
	Kind          ActionKind
	Provider      string
	ProviderTrxID string
	OrderNumber   string
	Amount        int64 // tiyin
	Reason        int   // provider cancel reason code
	Timestamp     int64 // provider ms timestamp, 0 when absent
}

// SubmitResult is returned to the ingress layer from SubmitEvent. Accepted is
// independent of downstream processing: it only means the delivery is durably
// recorded (or already known).
type SubmitResult struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	EventID   string `json:"event_id"`
}
