package labels

// Effect is the outcome of a flow-control decision.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
	Ask   Effect = "ask"
)

// Verdict is a flow-control decision with its reason. CanOverride marks
// denials the user may lift with explicit confirmation.
type Verdict struct {
	Effect      Effect `json:"effect"`
	Reason      string `json:"reason,omitempty"`
	CanOverride bool   `json:"can_override,omitempty"`
}

// Allowed reports whether the verdict permits the operation outright.
func (v Verdict) Allowed() bool { return v.Effect == Allow }

func allow() Verdict             { return Verdict{Effect: Allow} }
func deny(reason string) Verdict { return Verdict{Effect: Deny, Reason: reason} }
func ask(reason string) Verdict  { return Verdict{Effect: Ask, Reason: reason} }

func override(reason string) Verdict {
	return Verdict{Effect: Deny, Reason: reason, CanOverride: true}
}

// Policy holds the deployment-tunable flow-control switches.
type Policy struct {
	// SemanticVerifiedNeedsConfirm requires user confirmation before
	// verified-trust content is written to semantic memory.
	SemanticVerifiedNeedsConfirm bool
}

// CheckEgress decides whether labelled content may leave the system:
// secret never leaves, sensitive untrusted content is rejected, any other
// sensitive content asks the user.
func (p Policy) CheckEgress(l Label) Verdict {
	switch {
	case l.Class == ClassSecret:
		return deny("secret data never leaves the system")
	case l.Class == ClassSensitive && l.Trust == TrustUntrusted:
		return deny("sensitive data from an untrusted source cannot be sent")
	case l.Class == ClassSensitive:
		return ask("sensitive data requires confirmation before egress")
	default:
		return allow()
	}
}

// CheckSemanticWrite decides whether labelled content may become a durable
// fact. Untrusted content is rejected but overridable via userConfirmed,
// which the memory manager turns into an audited promotion.
func (p Policy) CheckSemanticWrite(l Label) Verdict {
	switch l.Trust {
	case TrustUntrusted:
		return override("untrusted content cannot be stored as fact without confirmation")
	case TrustVerified:
		if p.SemanticVerifiedNeedsConfirm {
			return ask("verified content requires confirmation before storage as fact")
		}
		return allow()
	default:
		return allow()
	}
}

// CheckWorkingWrite decides whether labelled content may enter working
// memory. Secret-class content must be redacted first.
func (p Policy) CheckWorkingWrite(l Label) Verdict {
	if l.Class == ClassSecret {
		return deny("secret data must be redacted before entering working memory")
	}
	return allow()
}

// CheckChaining decides whether one tool's output may feed another tool.
func (p Policy) CheckChaining(source Label, targetNetworkCapable, targetSanitizes bool) Verdict {
	if source.Class == ClassSecret && !targetSanitizes {
		return deny("secret data cannot flow into a non-sanitizing tool")
	}
	if source.Trust == TrustUntrusted && targetNetworkCapable {
		return ask("untrusted content flowing to a network-capable tool requires confirmation")
	}
	return allow()
}
