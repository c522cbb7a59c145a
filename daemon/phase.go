package daemon

// Phase is the daemon's position in its cycle.
type Phase int32

const (
	Idle Phase = iota
	Scheduling
	Promoting
	Delivering
	Reporting
	Sleeping
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Scheduling:
		return "scheduling"
	case Promoting:
		return "promoting"
	case Delivering:
		return "delivering"
	case Reporting:
		return "reporting"
	case Sleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}
