package errors

// ServiceError is the JSON error body returned by HTTP handlers.
type ServiceError struct {
	Message string `json:"message"`
}
