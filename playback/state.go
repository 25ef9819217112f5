package playback

// State is the controller's position in its state machine.
type State int

const (
	Stopped State = iota
	Playing
	Paused
	// Seeking is transient: the controller returns to the state it was in
	// before the seek once the cursor is repositioned.
	Seeking
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Seeking:
		return "seeking"
	}
	return "unknown"
}
