package httpapi

import "fmt"

var (
	ErrMissingTenant = fmt.Errorf("tenant header required")
	ErrUnauthorized  = fmt.Errorf("missing or invalid bearer token")
)
