package model

// QuotaDecision is the outcome of a ledger reservation
type QuotaDecision struct {
	Allowed bool
	Used    int64
	Limit   int64
}

// TenantUsage is a point-in-time view of a tenant's quota
type TenantUsage struct {
	TenantID string
	Used     int64
	Limit    int64
}

// Available returns the remaining bytes, never negative
func (u TenantUsage) Available() int64 {
	if u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}

// Percentage returns used/limit*100, or 0 for a zero limit
func (u TenantUsage) Percentage() float64 {
	if u.Limit <= 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Limit) * 100
}
