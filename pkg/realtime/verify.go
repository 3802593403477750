package realtime

import "time"

// CheckStatus is the outcome of a single verification check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckWarning CheckStatus = "warning"
	CheckFailed  CheckStatus = "failed"
)

// Check is one named verification step. Critical checks gate the
// IsDisconnected aggregate; every check gates BillingSafe.
type Check struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Critical bool        `json:"critical,omitempty"`
}

// VerificationReport is a computed snapshot of teardown completeness.
// IsDisconnected holds iff no critical check failed. BillingSafe is
// strictly stronger: no check failed at all, so nothing that could keep
// accruing remote usage charges remains observable.
type VerificationReport struct {
	Checks              []Check   `json:"checks"`
	IsDisconnected      bool      `json:"is_disconnected"`
	BillingSafe         bool      `json:"billing_safe"`
	HasWarnings         bool      `json:"has_warnings"`
	FailedCriticalCount int       `json:"failed_critical_count"`
	TotalChecks         int       `json:"total_checks"`
	PassedChecks        int       `json:"passed_checks"`
	Timestamp           time.Time `json:"timestamp"`
}

func buildReport(now time.Time, checks []Check) VerificationReport {
	report := VerificationReport{
		Checks:      checks,
		TotalChecks: len(checks),
		Timestamp:   now,
	}
	failed := 0
	for _, check := range checks {
		switch check.Status {
		case CheckPassed:
			report.PassedChecks++
		case CheckWarning:
			report.HasWarnings = true
		case CheckFailed:
			failed++
			if check.Critical {
				report.FailedCriticalCount++
			}
		}
	}
	report.IsDisconnected = report.FailedCriticalCount == 0
	report.BillingSafe = report.FailedCriticalCount == 0 && failed == 0
	return report
}
