package logic

// Next returns the status the humidifier should be in.
//
// With no previous status the result is ON only when humidity is strictly
// below the lower threshold. With a previous status, OFF switches to ON
// strictly below Lower and ON switches to OFF strictly above Upper; anything
// inside [Lower, Upper] keeps the previous status.
func Next(prev *Status, humidity float64, th Thresholds) Status {
	if prev == nil {
		if humidity < th.Lower() {
			return StatusOn
		}
		return StatusOff
	}

	switch *prev {
	case StatusOn:
		if humidity > th.Upper() {
			return StatusOff
		}
		return StatusOn
	default:
		if humidity < th.Lower() {
			return StatusOn
		}
		return StatusOff
	}
}

// Decide evaluates Next and reports whether the result differs from prev.
// A zone without a previous status always yields a change so that an initial
// status gets established.
func Decide(prev *Status, humidity float64, th Thresholds) Decision {
	next := Next(prev, humidity, th)
	return Decision{
		Prev:    prev,
		Next:    next,
		Changed: prev == nil || *prev != next,
	}
}
