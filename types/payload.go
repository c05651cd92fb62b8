package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// TxType identifies the schema of a payload. Every round accepts exactly one TxType.
type TxType string

const (
	TxTypeRegistration TxType = "registration"
	TxTypeRandomness   TxType = "randomness"
	TxTypeSelectKeeper TxType = "select_keeper"
	TxTypeFinalization TxType = "finalization"
	TxTypeReset        TxType = "reset"
)

// HexDigestLength is the length of a hex encoded 32 byte value.
const HexDigestLength = 64

var (
	ErrUnknownTxType  = errors.New("unknown transaction type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Payload is an attributed unit of agent-proposed data.
type Payload interface {
	// Sender is the address of the agent that produced the payload.
	Sender() string
	// TxType is the schema tag of the payload.
	TxType() TxType
	// ID makes otherwise identical payloads distinct transactions.
	ID() string
	// Value is the canonical value compared when counting votes.
	Value() string
	// Data returns the payload body as a plain mapping.
	Data() map[string]any
}

// BasePayload carries the fields shared by every variant.
type BasePayload struct {
	sender string
	id     string
}

func newBase(sender string) BasePayload {
	return BasePayload{
		sender: sender,
		id:     strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

func (b BasePayload) Sender() string { return b.sender }
func (b BasePayload) ID() string     { return b.id }

// RegistrationPayload announces an agent as a participant.
type RegistrationPayload struct {
	BasePayload
}

// NewRegistrationPayload creates a registration payload.
func NewRegistrationPayload(sender string) *RegistrationPayload {
	return &RegistrationPayload{BasePayload: newBase(sender)}
}

func (p *RegistrationPayload) TxType() TxType       { return TxTypeRegistration }
func (p *RegistrationPayload) Value() string        { return p.sender }
func (p *RegistrationPayload) Data() map[string]any { return map[string]any{} }

// RandomnessPayload carries a beacon value. An empty Randomness reports that
// neither the beacon nor the ledger fallback produced a value.
type RandomnessPayload struct {
	BasePayload
	Round      uint64
	Randomness string
}

// NewRandomnessPayload creates a randomness payload.
func NewRandomnessPayload(sender string, round uint64, randomness string) *RandomnessPayload {
	return &RandomnessPayload{BasePayload: newBase(sender), Round: round, Randomness: randomness}
}

func (p *RandomnessPayload) TxType() TxType { return TxTypeRandomness }
func (p *RandomnessPayload) Value() string  { return p.Randomness }
func (p *RandomnessPayload) Data() map[string]any {
	return map[string]any{"round": p.Round, "randomness": p.Randomness}
}

// SelectKeeperPayload carries the keeper an agent computed. An empty Keeper
// reports that every candidate has been blacklisted.
type SelectKeeperPayload struct {
	BasePayload
	Keeper string
}

// NewSelectKeeperPayload creates a keeper selection payload.
func NewSelectKeeperPayload(sender, keeper string) *SelectKeeperPayload {
	return &SelectKeeperPayload{BasePayload: newBase(sender), Keeper: keeper}
}

func (p *SelectKeeperPayload) TxType() TxType       { return TxTypeSelectKeeper }
func (p *SelectKeeperPayload) Value() string        { return p.Keeper }
func (p *SelectKeeperPayload) Data() map[string]any { return map[string]any{"keeper": p.Keeper} }

// FinalizationPayload is sent by the keeper once its privileged action is done.
type FinalizationPayload struct {
	BasePayload
	Digest string
}

// NewFinalizationPayload creates a finalization payload.
func NewFinalizationPayload(sender, digest string) *FinalizationPayload {
	return &FinalizationPayload{BasePayload: newBase(sender), Digest: digest}
}

func (p *FinalizationPayload) TxType() TxType       { return TxTypeFinalization }
func (p *FinalizationPayload) Value() string        { return p.Digest }
func (p *FinalizationPayload) Data() map[string]any { return map[string]any{"digest": p.Digest} }

// ResetPayload votes for the period count of the next period.
type ResetPayload struct {
	BasePayload
	PeriodCount int64
}

// NewResetPayload creates a reset payload.
func NewResetPayload(sender string, periodCount int64) *ResetPayload {
	return &ResetPayload{BasePayload: newBase(sender), PeriodCount: periodCount}
}

func (p *ResetPayload) TxType() TxType { return TxTypeReset }
func (p *ResetPayload) Value() string  { return strconv.FormatInt(p.PeriodCount, 10) }
func (p *ResetPayload) Data() map[string]any {
	return map[string]any{"period_count": p.PeriodCount}
}

// ================================================================================
//                          wire encoding
// ================================================================================

type payloadJSON struct {
	TxType TxType          `json:"tx_type"`
	Sender string          `json:"sender"`
	ID     string          `json:"id"`
	Data   json.RawMessage `json:"data"`
}

type randomnessData struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
}

type selectKeeperData struct {
	Keeper string `json:"keeper"`
}

type finalizationData struct {
	Digest string `json:"digest"`
}

type resetData struct {
	PeriodCount int64 `json:"period_count"`
}

// EncodePayload serializes a payload with its type tag.
func EncodePayload(p Payload) ([]byte, error) {
	var data any
	switch v := p.(type) {
	case *RegistrationPayload:
		data = struct{}{}
	case *RandomnessPayload:
		data = randomnessData{Round: v.Round, Randomness: v.Randomness}
	case *SelectKeeperPayload:
		data = selectKeeperData{Keeper: v.Keeper}
	case *FinalizationPayload:
		data = finalizationData{Digest: v.Digest}
	case *ResetPayload:
		data = resetData{PeriodCount: v.PeriodCount}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTxType, p)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload data: %w", err)
	}
	return json.Marshal(payloadJSON{
		TxType: p.TxType(),
		Sender: p.Sender(),
		ID:     p.ID(),
		Data:   raw,
	})
}

// DecodePayload parses and validates a payload against the schema of its tag.
func DecodePayload(data []byte) (Payload, error) {
	var env payloadJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Sender == "" {
		return nil, fmt.Errorf("%w: empty sender", ErrInvalidPayload)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidPayload)
	}
	base := BasePayload{sender: env.Sender, id: env.ID}

	switch env.TxType {
	case TxTypeRegistration:
		var d struct{}
		if err := strictUnmarshal(env.Data, &d); err != nil {
			return nil, err
		}
		return &RegistrationPayload{BasePayload: base}, nil

	case TxTypeRandomness:
		var d randomnessData
		if err := strictUnmarshal(env.Data, &d); err != nil {
			return nil, err
		}
		if d.Randomness != "" && !IsHexDigest(d.Randomness) {
			return nil, fmt.Errorf("%w: randomness must be %d hex characters", ErrInvalidPayload, HexDigestLength)
		}
		return &RandomnessPayload{BasePayload: base, Round: d.Round, Randomness: d.Randomness}, nil

	case TxTypeSelectKeeper:
		var d selectKeeperData
		if err := strictUnmarshal(env.Data, &d); err != nil {
			return nil, err
		}
		return &SelectKeeperPayload{BasePayload: base, Keeper: d.Keeper}, nil

	case TxTypeFinalization:
		var d finalizationData
		if err := strictUnmarshal(env.Data, &d); err != nil {
			return nil, err
		}
		if !IsHexDigest(d.Digest) {
			return nil, fmt.Errorf("%w: digest must be %d hex characters", ErrInvalidPayload, HexDigestLength)
		}
		return &FinalizationPayload{BasePayload: base, Digest: d.Digest}, nil

	case TxTypeReset:
		var d resetData
		if err := strictUnmarshal(env.Data, &d); err != nil {
			return nil, err
		}
		if d.PeriodCount < 0 {
			return nil, fmt.Errorf("%w: negative period count", ErrInvalidPayload)
		}
		return &ResetPayload{BasePayload: base, PeriodCount: d.PeriodCount}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTxType, env.TxType)
	}
}

func strictUnmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// IsHexDigest reports whether s is a 32 byte lowercase-or-uppercase hex string.
func IsHexDigest(s string) bool {
	if len(s) != HexDigestLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
