package reaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload is returned when the authority answers with a shape that
// cannot be turned into a State.
var ErrInvalidPayload = errors.New("invalid reaction payload")

var payloadValidate = validator.New()

// Payload is the wire shape returned by every authority operation.
type Payload struct {
	Reactions    map[string]int `json:"reactions" validate:"dive,keys,required,max=64,endkeys,gte=0"`
	UserReaction *string        `json:"user_reaction" validate:"omitempty,max=64"`
}

// Validate checks the payload against its declared constraints.
func (p Payload) Validate() error {
	if err := payloadValidate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// ToState validates the payload and converts it into a server-confirmed
// snapshot. A user reaction whose count is missing is counted once.
func (p Payload) ToState(entityID string, now time.Time) (State, error) {
	if err := p.Validate(); err != nil {
		return State{}, err
	}
	state := State{
		EntityID:    entityID,
		Reactions:   make(map[string]int, len(p.Reactions)),
		LastUpdated: now,
		Source:      SourceServer,
	}
	for k, v := range p.Reactions {
		state.Reactions[k] = v
	}
	if p.UserReaction != nil && *p.UserReaction != "" {
		state.UserReaction = *p.UserReaction
		if state.Reactions[state.UserReaction] < 1 {
			state.Reactions[state.UserReaction] = 1
		}
	}
	return state, nil
}
