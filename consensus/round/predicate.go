package round

// Predicate decides when a round stops collecting.
type Predicate interface {
	Complete(t *Tally) bool
}

// StrictMajority holds once one value has n/2+1 votes, or once no value can
// reach that threshold any more.
type StrictMajority struct{}

func (StrictMajority) Complete(t *Tally) bool {
	quorum := t.Participants().QuorumSize()
	_, count := t.MostVoted()
	if count >= quorum {
		return true
	}
	return count+t.Remaining() < quorum
}

// Reached reports whether the most voted value actually has a majority.
func (StrictMajority) Reached(t *Tally) bool {
	_, count := t.MostVoted()
	return count >= t.Participants().QuorumSize()
}

// AllReported holds once every participant has a payload.
type AllReported struct{}

func (AllReported) Complete(t *Tally) bool {
	return t.Participants().Size() > 0 && t.Remaining() == 0
}

// OnlyKeeper holds once the keeper has a payload.
type OnlyKeeper struct {
	Keeper string
}

func (k OnlyKeeper) Complete(t *Tally) bool {
	_, ok := t.Payload(k.Keeper)
	return ok
}
