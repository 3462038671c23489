package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind distinguishes the two job families.
type Kind string

const (
	KindPost       Kind = "post"
	KindEngagement Kind = "engagement"
)

// Action distinguishes engagement jobs.
type Action string

const (
	ActionLike    Action = "like"
	ActionComment Action = "comment"
	ActionFollow  Action = "follow"
)

// Payload is a sealed variant: exactly one of the concrete types below.
// Payload shape is enforced at compile time rather than by runtime parsing
// of an untyped blob.
type Payload interface {
	Kind() Kind
	sealed()
}

// PostPayload carries the content of a post job.
type PostPayload struct {
	Content string `json:"content"`
	Link    string `json:"link,omitempty"`
}

func (PostPayload) Kind() Kind { return KindPost }
func (PostPayload) sealed()    {}

// Criteria selects engagement targets. All fields optional; the action
// callback interprets them.
type Criteria struct {
	Hashtag    string `json:"hashtag,omitempty"`
	TargetUser string `json:"target_user,omitempty"`
	Query      string `json:"query,omitempty"`
	MaxItems   int    `json:"max_items,omitempty"`
}

type LikePayload struct {
	Criteria Criteria `json:"criteria"`
}

func (LikePayload) Kind() Kind { return KindEngagement }
func (LikePayload) sealed()    {}

type CommentPayload struct {
	Criteria Criteria `json:"criteria"`
	Text     string   `json:"text"`
}

func (CommentPayload) Kind() Kind { return KindEngagement }
func (CommentPayload) sealed()    {}

type FollowPayload struct {
	Criteria Criteria `json:"criteria"`
}

func (FollowPayload) Kind() Kind { return KindEngagement }
func (FollowPayload) sealed()    {}

// EngagementAction returns the action of an engagement payload
// ("" for post payloads).
func EngagementAction(p Payload) Action {
	switch p.(type) {
	case LikePayload:
		return ActionLike
	case CommentPayload:
		return ActionComment
	case FollowPayload:
		return ActionFollow
	default:
		return ""
	}
}

// Content returns the text subject to duplicate detection. Engagement jobs
// without free text return "".
func Content(p Payload) string {
	switch v := p.(type) {
	case PostPayload:
		return v.Content
	case CommentPayload:
		return v.Text
	default:
		return ""
	}
}

var ErrUnknownPayload = errors.New("unknown payload kind")

// payloadEnvelope is the wire form: kind + action tag the variant.
type payloadEnvelope struct {
	Kind   Kind            `json:"kind"`
	Action Action          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data"`
}

func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	env := payloadEnvelope{Kind: p.Kind(), Action: EngagementAction(p), Data: data}
	return json.Marshal(env)
}

func UnmarshalPayload(b []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindPost:
		var p PostPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindEngagement:
		switch env.Action {
		case ActionLike:
			var p LikePayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, err
			}
			return p, nil
		case ActionComment:
			var p CommentPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, err
			}
			return p, nil
		case ActionFollow:
			var p FollowPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, err
			}
			return p, nil
		default:
			return nil, fmt.Errorf("%w: engagement action %q", ErrUnknownPayload, env.Action)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, env.Kind)
	}
}
