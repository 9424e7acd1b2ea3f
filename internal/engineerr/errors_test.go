package engineerr

import (
	"errors"
	"strings"
	"testing"
)

func TestInputError_MessageCarriesOrderAndReason(t *testing.T) {
	var err error = &InputError{OrderID: "o1", Reason: ReasonInvalidSize, Detail: "size must be positive"}
	msg := err.Error()
	if !strings.Contains(msg, "o1") || !strings.Contains(msg, string(ReasonInvalidSize)) {
		t.Errorf("Error() = %q, want it to mention order id and reason", msg)
	}
}

func TestErrorTypes_AreDistinguishableViaErrorsAs(t *testing.T) {
	var err error = &InvariantViolation{Detail: "L must be >0"}
	var iv *InvariantViolation
	if !errors.As(err, &iv) {
		t.Fatalf("errors.As failed to match *InvariantViolation")
	}

	var ne *NumericError
	if errors.As(err, &ne) {
		t.Errorf("*InvariantViolation should not match *NumericError")
	}
}

func TestSlippageRejection_CarriesBothFigures(t *testing.T) {
	err := &SlippageRejection{OrderID: "o2", RealizedSlippage: "0.05", MaxSlippage: "0.02"}
	msg := err.Error()
	if !strings.Contains(msg, "0.05") || !strings.Contains(msg, "0.02") {
		t.Errorf("Error() = %q, want both realized and max slippage mentioned", msg)
	}
}

func TestResolutionError_ReasonIsPreserved(t *testing.T) {
	err := &ResolutionError{Reason: ReasonAlreadyInactive, Detail: "outcome 1 already eliminated"}
	if err.Reason != ReasonAlreadyInactive {
		t.Errorf("Reason = %s, want %s", err.Reason, ReasonAlreadyInactive)
	}
}
