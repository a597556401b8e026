package domain

// MilestonesOf returns the milestone list of kinds that carry a timeline.
func MilestonesOf(p Payload) (*[]Milestone, bool) {
	switch v := p.(type) {
	case *ProgramPayload:
		return &v.Milestones, true
	case *RDProjectPayload:
		return &v.Milestones, true
	case *PilotPayload:
		return &v.Milestones, true
	}
	return nil, false
}

// TRLOf returns the readiness state of kinds that track TRL.
func TRLOf(p Payload) (*TRLState, bool) {
	switch v := p.(type) {
	case *RDProjectPayload:
		return &v.TRLState, true
	case *PilotPayload:
		return &v.TRLState, true
	}
	return nil, false
}

// BackRefsOf returns the source-side collection that tracks entities produced by conversion c.
// A false result means kind p cannot be the source of c.
func BackRefsOf(p Payload, c ConversionType) (*[]BackRef, bool) {
	switch v := p.(type) {
	case *RDProjectPayload:
		switch c {
		case ConversionToPilot:
			return &v.PilotOpportunities, true
		case ConversionToSolution:
			return &v.Solutions, true
		case ConversionToPolicy:
			return &v.PolicyRecommendations, true
		}
	case *PilotPayload:
		switch c {
		case ConversionToSolution:
			return &v.Solutions, true
		case ConversionToPolicy:
			return &v.PolicyRecommendations, true
		case ConversionToScalingPlan:
			return &v.ScalingPlans, true
		}
	case *ChallengePayload:
		if c == ConversionToPolicy {
			return &v.PolicyRecommendations, true
		}
	case *ProgramPayload:
		if c == ConversionToPolicy {
			return &v.PolicyRecommendations, true
		}
	}
	return nil, false
}

// HasBackRef reports whether refs already point at id.
func HasBackRef(refs []BackRef, id string) bool {
	for _, r := range refs {
		if r.ID == id {
			return true
		}
	}
	return false
}
