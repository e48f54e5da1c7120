package models

import "time"

// Role is the role claim carried by an authenticated actor.
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// Actor is the resolved identity behind a call.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// RequestStatus is the lifecycle status of a ServiceRequest.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestAccepted   RequestStatus = "accepted"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether no further status moves are allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestCancelled
}

// ServiceRequest represents one engagement between a client and a provider.
type ServiceRequest struct {
	ID          string        `json:"id"`
	ClientID    string        `json:"client_id"`
	ProviderID  string        `json:"provider_id,omitempty"`
	Status      RequestStatus `json:"status"`
	Price       int64         `json:"price,omitempty"`
	Description string        `json:"description"`
	ScheduledAt *time.Time    `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// PaymentStatus is the escrow settlement status of a Payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentEscrow    PaymentStatus = "escrow"
	PaymentApproved  PaymentStatus = "approved"
	PaymentRejected  PaymentStatus = "rejected"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Terminal reports whether the payment can no longer move.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentApproved, PaymentRejected, PaymentRefunded, PaymentCancelled:
		return true
	}
	return false
}

// Payment holds the escrowed amount for a request. At most one per request.
type Payment struct {
	ID          string        `json:"id"`
	RequestID   string        `json:"request_id"`
	PayerID     string        `json:"payer_id"`
	PayeeID     string        `json:"payee_id"`
	Amount      int64         `json:"amount"`
	Status      PaymentStatus `json:"status"`
	ExternalRef string        `json:"external_ref"`
	CheckoutURL string        `json:"checkout_url,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TaskConfirmation is the client-side confirm/dispute window opened when a
// provider reports completion. At most one per request.
type TaskConfirmation struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"request_id"`
	Confirmed    bool       `json:"confirmed"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
	AutoReleased bool       `json:"auto_released"`
	Disputed     bool       `json:"disputed"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Resolved reports whether the confirmation already reached an outcome.
func (t *TaskConfirmation) Resolved() bool {
	return t.Confirmed || t.AutoReleased || t.Disputed
}

// Review is a client's rating of a completed request. At most one per request.
type Review struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	AuthorID   string    `json:"author_id"`
	ProviderID string    `json:"provider_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProviderRating is the aggregate maintained by the rating aggregator.
type ProviderRating struct {
	ProviderID  string  `json:"provider_id"`
	RatingAvg   float64 `json:"rating_avg"`
	RatingCount int     `json:"rating_count"`
}

// Dispute is an open confirmation dispute awaiting manual resolution.
type Dispute struct {
	ID         string     `json:"id"`
	RequestID  string     `json:"request_id"`
	FilerID    string     `json:"filer_id"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"` // open | resolved
	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// TransitionRecord is one audit-log edge of a request or payment status move.
type TransitionRecord struct {
	ID       int64     `json:"id"`
	Entity   string    `json:"entity"` // request | payment
	EntityID string    `json:"entity_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	ActorID  string    `json:"actor_id,omitempty"`
	At       time.Time `json:"at"`
}
