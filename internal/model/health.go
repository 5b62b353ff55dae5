package model

// ServiceStatus defines the aggregated operational status of the service
type ServiceStatus string

const (
	StatusHealthy   ServiceStatus = "healthy"
	StatusDegraded  ServiceStatus = "degraded"
	StatusUnhealthy ServiceStatus = "unhealthy"
)

// CheckStatus is the outcome of a single subsystem probe
type CheckStatus string

const (
	CheckPassed CheckStatus = "pass"
	CheckFailed CheckStatus = "fail"
)
