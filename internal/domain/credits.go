package domain

import "time"

// CreditsForDuration computes the debit for a rendered artifact: one credit
// per billing unit of output duration, rounded up so partial units are never
// under-charged. Any successful render costs at least one credit.
func CreditsForDuration(d time.Duration, unit time.Duration) int64 {
	if unit <= 0 {
		unit = time.Minute
	}
	if d <= 0 {
		return 1
	}
	credits := int64((d + unit - 1) / unit)
	if credits < 1 {
		credits = 1
	}
	return credits
}
