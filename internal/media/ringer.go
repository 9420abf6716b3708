package media

// RingTone selects which tone a ringer plays. The callee hears the incoming
// ringtone, the caller the outgoing ringback; the distinction is driven by
// call role.
type RingTone int

const (
	ToneIncoming RingTone = iota
	ToneRingback
)

// Ringer is an injected audio-output handle with an explicit lifecycle. It
// replaces any process-wide audio singleton: whichever component needs to
// emit tones receives its own handle.
type Ringer interface {
	Start(tone RingTone)
	Stop()
}

// NoopRinger is a Ringer for headless deployments and tests
type NoopRinger struct{}

func (NoopRinger) Start(RingTone) {}
func (NoopRinger) Stop()          {}
