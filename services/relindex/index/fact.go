// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"fmt"

	"github.com/AleutianAI/relindex/services/relindex/element"
)

// Fact is one relationship assertion: subject --relationship--> location,
// asserted by contributor.
//
// Fact is comparable and doubles as the key of the reverse index.
type Fact struct {
	Subject      element.Element
	Relationship element.Relationship
	Location     element.Location
	Contributor  element.ContributorID
}

// Contributed returns the contributed location part of the fact.
func (f Fact) Contributed() element.ContributedLocation {
	return element.ContributedLocation{Location: f.Location, Contributor: f.Contributor}
}

// Validate checks that every identity in the fact is present.
func (f Fact) Validate() error {
	switch {
	case f.Subject.IsZero():
		return fmt.Errorf("%w: empty subject", ErrInvalidFact)
	case f.Relationship.IsZero():
		return fmt.Errorf("%w: empty relationship", ErrInvalidFact)
	case f.Location.Element.IsZero():
		return fmt.Errorf("%w: empty target element", ErrInvalidFact)
	case f.Contributor == "":
		return fmt.Errorf("%w: empty contributor", ErrInvalidFact)
	}
	return nil
}

// ValidateFacts validates every fact and returns a *BatchError listing all
// invalid ones, or nil.
func ValidateFacts(facts []Fact) error {
	var errs []error
	for i, f := range facts {
		if err := f.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("fact[%d]: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return &BatchError{Errors: errs}
	}
	return nil
}
