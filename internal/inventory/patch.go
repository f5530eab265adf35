package inventory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Patch is a partial update of an active item. Nil fields are left unchanged.
// The set of updatable fields is fixed; id is never updatable.
type Patch struct {
	OwnerName    *string  `json:"ownerName,omitempty"`
	EmailID      *string  `json:"emailId,omitempty"`
	SSOID        *string  `json:"ssoId,omitempty"`
	ObjectStored *string  `json:"objectStored,omitempty"`
	UniqueID     *string  `json:"uniqueId,omitempty"`
	Location     *string  `json:"location,omitempty"`
	TimePeriod   *FlexInt `json:"timePeriod,omitempty"`
	DateAdded    *string  `json:"dateAdded,omitempty"`
	ExpiryDate   *string  `json:"expiryDate,omitempty"`
}

var ErrEmptyPatch = errors.New("no fields to update")

// DecodePatch parses a JSON object of updates. Unknown keys are rejected.
func DecodePatch(raw []byte) (Patch, error) {
	var p Patch
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Patch{}, fmt.Errorf("decode updates: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Patch{}, errors.New("decode updates: trailing data")
	}
	if p.IsEmpty() {
		return Patch{}, ErrEmptyPatch
	}
	return p, nil
}

func (p Patch) IsEmpty() bool {
	return p.OwnerName == nil && p.EmailID == nil && p.SSOID == nil &&
		p.ObjectStored == nil && p.UniqueID == nil && p.Location == nil &&
		p.TimePeriod == nil && p.DateAdded == nil && p.ExpiryDate == nil
}

// Apply returns the record with the patch applied and re-validated.
//
// Changing timePeriod or dateAdded recomputes expiryDate. Setting expiryDate
// alone (the front end's "extend" action) moves timePeriod so the derived due
// date follows the new expiry.
func (p Patch) Apply(cur Record, loc *time.Location) (Item, error) {
	next := cur
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&next.OwnerName, p.OwnerName)
	set(&next.EmailID, p.EmailID)
	set(&next.SSOID, p.SSOID)
	set(&next.ObjectStored, p.ObjectStored)
	set(&next.UniqueID, p.UniqueID)
	set(&next.Location, p.Location)
	set(&next.DateAdded, p.DateAdded)
	if p.TimePeriod != nil {
		next.TimePeriod = *p.TimePeriod
	}

	recompute := p.TimePeriod != nil || p.DateAdded != nil
	if p.ExpiryDate != nil && !recompute {
		next.ExpiryDate = *p.ExpiryDate
	}

	it, err := next.Validate(loc)
	if err != nil {
		return Item{}, err
	}

	switch {
	case recompute:
		it.ExpiryDate = it.ComputeExpiry()
	case p.ExpiryDate != nil && !it.ExpiryDate.IsZero():
		days := int(it.ExpiryDate.Sub(it.DateAdded).Hours() / 24)
		if days < 0 {
			return Item{}, &ValidationError{ID: it.ID, Problems: []FieldError{{Field: "expiryDate", Msg: "before dateAdded"}}}
		}
		it.TimePeriod = days
	}
	return it, nil
}
