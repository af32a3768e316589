package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PartyRef points at an order participant. The API sometimes returns only an id
// (Unresolved) and sometimes the full user record (Resolved); the zero value
// means the relation is unset.
type PartyRef struct {
	id   string
	user *User
}

func Unresolved(id string) PartyRef {
	return PartyRef{id: id}
}

func Resolved(u User) PartyRef {
	return PartyRef{id: u.ID, user: &u}
}

func (p PartyRef) IsZero() bool {
	return p.id == "" && p.user == nil
}

// ID narrows the reference to an identity. ok is false for unset references.
func (p PartyRef) ID() (id string, ok bool) {
	if p.user != nil && p.user.ID != "" {
		return p.user.ID, true
	}
	if p.id != "" {
		return p.id, true
	}
	return "", false
}

// User returns the full record when the reference is resolved.
func (p PartyRef) User() (User, bool) {
	if p.user == nil {
		return User{}, false
	}
	return *p.user, true
}

// Is reports whether the reference identifies userID. Unset references and
// empty ids never match.
func (p PartyRef) Is(userID string) bool {
	if userID == "" {
		return false
	}
	id, ok := p.ID()
	return ok && id == userID
}

func (p PartyRef) MarshalJSON() ([]byte, error) {
	if p.user != nil {
		return json.Marshal(p.user)
	}
	if p.id != "" {
		return json.Marshal(p.id)
	}
	return []byte("null"), nil
}

func (p *PartyRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*p = PartyRef{}
		return nil
	case data[0] == '"':
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*p = Unresolved(id)
		return nil
	case data[0] == '{':
		var u User
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		*p = Resolved(u)
		return nil
	}
	return fmt.Errorf("party reference: unexpected json %s", string(data))
}
