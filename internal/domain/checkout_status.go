package domain

// CheckoutState is the client-side checkout session state.
type CheckoutState string

const (
	StateAddressPending  CheckoutState = "ADDRESS_PENDING"
	StateShippingPending CheckoutState = "SHIPPING_PENDING"
	StateReady           CheckoutState = "READY"
	StatePaymentInFlight CheckoutState = "PAYMENT_IN_FLIGHT"
	StateVerifying       CheckoutState = "VERIFYING"
	StateSucceeded       CheckoutState = "SUCCEEDED"
	StateCancelled       CheckoutState = "CANCELLED"
	StateFailed          CheckoutState = "FAILED"
)

var checkoutTransitions = map[CheckoutState][]CheckoutState{
	StateAddressPending:  {StateShippingPending},
	StateShippingPending: {StateReady, StateShippingPending, StateAddressPending},
	StateReady:           {StatePaymentInFlight, StateShippingPending, StateAddressPending},
	StatePaymentInFlight: {StateVerifying, StateCancelled, StateReady},
	StateVerifying:       {StateSucceeded, StateFailed, StateCancelled},
	StateCancelled:       {StatePaymentInFlight, StateReady},
}

func (s CheckoutState) CanTransitionTo(next CheckoutState) bool {
	for _, allowed := range checkoutTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s CheckoutState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// PaymentPending reports whether a gateway order may currently be open.
func (s CheckoutState) PaymentPending() bool {
	return s == StatePaymentInFlight || s == StateVerifying
}

func (s CheckoutState) String() string {
	return string(s)
}

// CheckoutStatus is the backend checkout session status.
type CheckoutStatus string

const (
	CheckoutStatusInitiated        CheckoutStatus = "INITIATED"
	CheckoutStatusPaymentPending   CheckoutStatus = "PAYMENT_PENDING"
	CheckoutStatusPaymentCompleted CheckoutStatus = "PAYMENT_COMPLETED"
	CheckoutStatusCompleted        CheckoutStatus = "COMPLETED"
	CheckoutStatusFailed           CheckoutStatus = "FAILED"
	CheckoutStatusAbandoned        CheckoutStatus = "ABANDONED"
)

var statusTransitions = map[CheckoutStatus][]CheckoutStatus{
	CheckoutStatusInitiated:        {CheckoutStatusPaymentPending, CheckoutStatusFailed, CheckoutStatusAbandoned},
	CheckoutStatusPaymentPending:   {CheckoutStatusPaymentCompleted, CheckoutStatusFailed, CheckoutStatusAbandoned},
	CheckoutStatusPaymentCompleted: {CheckoutStatusCompleted},
}

func CanTransitionTo(from, to CheckoutStatus) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s CheckoutStatus) IsTerminal() bool {
	return s == CheckoutStatusCompleted || s == CheckoutStatusFailed || s == CheckoutStatusAbandoned
}

// String representation (for logging)
func (s CheckoutStatus) String() string {
	return string(s)
}
