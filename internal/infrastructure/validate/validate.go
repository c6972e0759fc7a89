package validate

// FieldError one rejected request field, rendered in the details of a 400 reply
type FieldError struct {
	Domain string `json:"domain"` // json or path parameter name
	Reason string `json:"reason"` // translated message
}

// NewFieldError .
func NewFieldError(domain string, reason string) *FieldError {
	return &FieldError{domain, reason}
}

func (fe *FieldError) Error() string {
	return fe.Domain + ": " + fe.Reason
}

// Validator checks progress and interaction requests before they reach a session
type Validator interface {
	Struct(s interface{}) []*FieldError
	// Empty reports varName when s is its zero value
	Empty(varName string, s interface{}) []*FieldError
}
