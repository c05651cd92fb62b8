package state

import "github.com/ahwlsqja/autonomy-abci/types"

// Keys written by the common rounds. The prefix names the round that owns the key.
const (
	KeyParticipants        = "registration.participants"
	KeyMostVotedRandomness = "randomness.most_voted_randomness"
	KeyMostVotedKeeper     = "select_keeper.most_voted_keeper"
	KeyBlacklistedKeepers  = "select_keeper.blacklisted_keepers"
	KeyFinalDigest         = "finalization.final_digest"
	KeyPeriodCount         = "reset.period_count"
)

// CrossPeriodKeys survive a period reset.
var CrossPeriodKeys = []string{KeyParticipants, KeyPeriodCount}

// Participants returns the registered participants.
func (s *Snapshot) Participants() types.ParticipantSet {
	set, _ := s.Get(KeyParticipants, nil).(types.ParticipantSet)
	return set
}

// MostVotedRandomness returns the agreed randomness, or "" if none yet.
func (s *Snapshot) MostVotedRandomness() string {
	v, _ := s.Get(KeyMostVotedRandomness, "").(string)
	return v
}

// MostVotedKeeper returns the elected keeper, or "" if none.
func (s *Snapshot) MostVotedKeeper() string {
	v, _ := s.Get(KeyMostVotedKeeper, "").(string)
	return v
}

// BlacklistedKeepers returns the keepers excluded in this period.
func (s *Snapshot) BlacklistedKeepers() types.ParticipantSet {
	set, _ := s.Get(KeyBlacklistedKeepers, nil).(types.ParticipantSet)
	return set
}

// FinalDigest returns the digest agreed by the finalization round.
func (s *Snapshot) FinalDigest() string {
	v, _ := s.Get(KeyFinalDigest, "").(string)
	return v
}

// PeriodCount returns the number of completed periods.
func (s *Snapshot) PeriodCount() int64 {
	v, _ := s.Get(KeyPeriodCount, int64(0)).(int64)
	return v
}
