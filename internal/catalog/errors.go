package catalog

import "errors"

// Failure taxonomy shared by every component. Callers match with errors.Is.
var (
	ErrConfigMissing           = errors.New("config missing")
	ErrCapabilitiesUnavailable = errors.New("capabilities unavailable")
	ErrNetworkFailure          = errors.New("network failure")
	ErrUnsupportedServiceType  = errors.New("unsupported service type")
	ErrSourceMissing           = errors.New("source missing")
	ErrPersistenceFailure      = errors.New("persistence failure")
)
