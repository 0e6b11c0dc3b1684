package logic

// Decide runs the soft toggle decision for a report on the basic channel.
//
// A report that repeats the state we already believe is treated as a press on
// the half of the paddle that cannot change the output in the current
// orientation. The switch is then commanded to the opposite state and the
// inflight latch is armed so the confirming report can be recognised.
func (s *Switch) Decide(now int64, prefs Preferences, reportedOn bool, issuer CommandIssuer) Action {
	if !prefs.SoftToggle {
		return Action{Kind: PassThrough}
	}
	if s.latches.DigitalActive(now) {
		return Action{Kind: PassThrough}
	}
	if s.latches.InflightActive(now) {
		return Action{Kind: Suppressed}
	}
	if !s.state.Known() {
		return Action{Kind: PassThrough}
	}
	if reportedOn != s.state.On() {
		return Action{Kind: PassThrough}
	}

	target := !reportedOn
	s.latches.StartInflight(now, target)
	issuer.SetSwitch(s.id, target)
	return Action{Kind: Corrected, Target: target}
}
