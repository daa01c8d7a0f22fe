package landscape

// coerceRunStatus validates a raw string against RunStatus. Any value that
// is not a declared member is fatal — no silent fallback (spec.md §4.4).
func coerceRunStatus(v string) (RunStatus, error) {
	s := RunStatus(v)
	if !s.valid() {
		return "", invalidEnum("run_status", v)
	}

	return s, nil
}

func coerceNodeType(v string) (NodeType, error) {
	t := NodeType(v)
	if !t.valid() {
		return "", invalidEnum("node_type", v)
	}

	return t, nil
}

func coerceDeterminism(v string) (Determinism, error) {
	d := Determinism(v)
	if !d.valid() {
		return "", invalidEnum("determinism", v)
	}

	return d, nil
}

func coerceRoutingMode(v string) (RoutingMode, error) {
	m := RoutingMode(v)
	if !m.valid() {
		return "", invalidEnum("routing_mode", v)
	}

	return m, nil
}

func coerceNodeStateStatus(v string) (NodeStateStatus, error) {
	s := NodeStateStatus(v)
	if !s.valid() {
		return "", invalidEnum("node_state_status", v)
	}

	return s, nil
}

func coerceTokenOutcomeStatus(v string) (TokenOutcomeStatus, error) {
	s := TokenOutcomeStatus(v)
	if !s.valid() {
		return "", invalidEnum("token_outcome_status", v)
	}

	return s, nil
}

func coerceBatchStatus(v string) (BatchStatus, error) {
	s := BatchStatus(v)
	if !s.valid() {
		return "", invalidEnum("batch_status", v)
	}

	return s, nil
}

func coerceCallType(v string) (CallType, error) {
	t := CallType(v)
	if !t.valid() {
		return "", invalidEnum("call_type", v)
	}

	return t, nil
}

func coerceCallStatus(v string) (CallStatus, error) {
	s := CallStatus(v)
	if !s.valid() {
		return "", invalidEnum("call_status", v)
	}

	return s, nil
}

// validateNodeState enforces the per-status required-field invariants from
// spec.md §3: open states carry none of the terminal fields; completed
// states require output_hash, completed_at, duration_ms; failed states
// require completed_at and duration_ms.
func validateNodeState(s NodeState) error {
	switch s.Status {
	case NodeStateOpen:
		if s.OutputHash != nil || s.CompletedAt != nil || s.DurationMS != nil {
			return auditIntegrity("open state %s carries terminal fields", s.StateID)
		}
	case NodeStateCompleted:
		if s.OutputHash == nil {
			return auditIntegrity("completed state %s has nil output_hash", s.StateID)
		}

		if s.DurationMS == nil {
			return auditIntegrity("completed state %s has nil duration_ms", s.StateID)
		}

		if s.CompletedAt == nil {
			return auditIntegrity("completed state %s has nil completed_at", s.StateID)
		}

		if s.CompletedAt.Before(s.StartedAt) {
			return auditIntegrity("completed state %s completed_at precedes started_at", s.StateID)
		}

		if *s.DurationMS < 0 {
			return auditIntegrity("completed state %s has negative duration_ms", s.StateID)
		}
	case NodeStateFailed:
		if s.DurationMS == nil {
			return auditIntegrity("failed state %s has nil duration_ms", s.StateID)
		}

		if s.CompletedAt == nil {
			return auditIntegrity("failed state %s has nil completed_at", s.StateID)
		}
	default:
		return invalidEnum("node_state_status", string(s.Status))
	}

	return nil
}
