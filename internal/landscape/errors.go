package landscape

import (
	"fmt"

	"github.com/correlator-io/elspeth/internal/elspetherr"
)

// auditIntegrity wraps a detected invariant violation as a fatal typed
// error. The caller never recovers from this — spec.md §7 requires the
// process to abort rather than guess at what the audit trail should say.
func auditIntegrity(format string, args ...any) error {
	return elspetherr.NewTyped(elspetherr.KindAuditIntegrity, "audit_integrity_violation", fmt.Sprintf(format, args...), nil)
}

func invalidEnum(field, value string) error {
	return elspetherr.NewTyped(elspetherr.KindConfig, "invalid_enum", fmt.Sprintf("%s: %q is not a valid value", field, value), nil)
}
