package updaterules

import (
	"encoding/json"
	"fmt"

	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/multihash"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// Marshal serializes a rule tree to its tagless JSON form (spec §4.4): the
// discriminator is the shape of the object, not an explicit type tag.
func Marshal(r Rule) ([]byte, error) {
	switch v := r.(type) {
	case Key:
		encoded, err := keys.EncodeMultibase(v.PubKey)
		if err != nil {
			return nil, webplus.E(webplus.Malformed, "updaterules.Marshal", err)
		}
		return json.Marshal(struct {
			Key string `json:"key"`
		}{Key: encoded})
	case HashedKey:
		return json.Marshal(struct {
			HashedKey    string `json:"hashedKey"`
			HashFunction string `json:"hashFunction"`
		}{HashedKey: v.HashedPubKey, HashFunction: string(v.HashFn)})
	case Any:
		raw, err := marshalRules(v.Rules)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Any []json.RawMessage `json:"any"`
		}{Any: raw})
	case All:
		raw, err := marshalRules(v.Rules)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			All []json.RawMessage `json:"all"`
		}{All: raw})
	case Threshold:
		of := make([]rawWeighted, len(v.Of))
		for i, w := range v.Of {
			ruleJSON, err := Marshal(w.Rule)
			if err != nil {
				return nil, err
			}
			of[i] = rawWeighted{Weight: w.Weight, Rule: ruleJSON}
		}
		return json.Marshal(struct {
			AtLeast uint32        `json:"atLeast"`
			Of      []rawWeighted `json:"of"`
		}{AtLeast: v.AtLeast, Of: of})
	case UpdatesDisallowed:
		return []byte("{}"), nil
	default:
		return nil, webplus.E(webplus.Malformed, "updaterules.Marshal", fmt.Errorf("unknown rule type %T", r))
	}
}

func marshalRules(rs []Rule) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(rs))
	for i, r := range rs {
		b, err := Marshal(r)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// rawWeighted mirrors Weighted's wire shape: a rule paired with its weight
// (default 1, spec §3), the discriminator for Threshold among the other
// rule shapes.
type rawWeighted struct {
	Weight uint32          `json:"weight"`
	Rule   json.RawMessage `json:"rule"`
}

// rawRule is unmarshaled once per Parse call and sniffed for which fields
// are present; that presence, not a type tag, says which variant this is.
type rawRule struct {
	Key          *string           `json:"key,omitempty"`
	HashedKey    *string           `json:"hashedKey,omitempty"`
	HashFunction *string           `json:"hashFunction,omitempty"`
	Any          []json.RawMessage `json:"any,omitempty"`
	All          []json.RawMessage `json:"all,omitempty"`
	AtLeast      *uint32           `json:"atLeast,omitempty"`
	Of           []rawWeighted     `json:"of,omitempty"`
}

// Parse deserializes a rule tree from its tagless JSON form. Variants are
// tried in a fixed order — HashedKey, Key, Threshold, All, Any, and
// UpdatesDisallowed last — because UpdatesDisallowed's empty-object shape
// would otherwise claim any object tried against it first (spec §4.4,
// §9 "Rule tree without explicit tags").
func Parse(data []byte) (Rule, error) {
	var raw rawRule
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, webplus.E(webplus.Malformed, "updaterules.Parse", err)
	}

	switch {
	case raw.HashedKey != nil:
		if raw.HashFunction == nil {
			return nil, webplus.E(webplus.Malformed, "updaterules.Parse", fmt.Errorf("hashedKey rule missing hashFunction"))
		}
		fn := multihash.Function(*raw.HashFunction)
		if _, err := multihash.DigestSize(fn); err != nil {
			return nil, err
		}
		return HashedKey{HashedPubKey: *raw.HashedKey, HashFn: fn}, nil

	case raw.Key != nil:
		pub, err := keys.DecodeMultibase(*raw.Key)
		if err != nil {
			return nil, err
		}
		return Key{PubKey: pub}, nil

	case raw.AtLeast != nil || raw.Of != nil:
		if raw.AtLeast == nil {
			return nil, webplus.E(webplus.Malformed, "updaterules.Parse", fmt.Errorf("threshold rule missing atLeast"))
		}
		of := make([]Weighted, len(raw.Of))
		var sum uint32
		for i, w := range raw.Of {
			weight := w.Weight
			if weight == 0 {
				weight = 1
			}
			child, err := Parse(w.Rule)
			if err != nil {
				return nil, err
			}
			of[i] = Weighted{Weight: weight, Rule: child}
			sum += weight
		}
		if *raw.AtLeast < 1 || *raw.AtLeast > sum {
			return nil, webplus.E(webplus.Malformed, "updaterules.Parse", fmt.Errorf("threshold atLeast %d out of range [1, %d]", *raw.AtLeast, sum))
		}
		return Threshold{AtLeast: *raw.AtLeast, Of: of}, nil

	case raw.All != nil:
		rules, err := parseRules(raw.All)
		if err != nil {
			return nil, err
		}
		return All{Rules: rules}, nil

	case raw.Any != nil:
		rules, err := parseRules(raw.Any)
		if err != nil {
			return nil, err
		}
		return Any{Rules: rules}, nil

	default:
		return UpdatesDisallowed{}, nil
	}
}

func parseRules(raw []json.RawMessage) ([]Rule, error) {
	out := make([]Rule, len(raw))
	for i, r := range raw {
		rule, err := Parse(r)
		if err != nil {
			return nil, err
		}
		out[i] = rule
	}
	return out, nil
}
