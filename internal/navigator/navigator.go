// Package navigator resolves a session's stored position against a topic's content tree.
//
// Activity order within a moment and moment order within a class (or topic) define the
// only valid advancement path. Every function here is pure and safe for concurrent use.
package navigator

import (
	"fmt"
	"iter"

	"github.com/ashureev/tutorloop/internal/domain"
)

// Location is a resolved position with pointers into the tree.
// Class is nil for topics without classes.
type Location struct {
	Class    *domain.Class
	Moment   *domain.Moment
	Activity *domain.Activity
}

// Position returns the identifiers of the location.
func (l Location) Position() domain.Position {
	var pos domain.Position
	if l.Class != nil {
		pos.ClassID = l.Class.ID
	}
	if l.Moment != nil {
		pos.MomentID = l.Moment.ID
	}
	if l.Activity != nil {
		pos.ActivityID = l.Activity.ID
	}
	return pos
}

// Locate maps a stored position onto the tree. Empty identifiers default to the first
// class, moment or activity in tree order.
func Locate(tree *domain.Topic, pos domain.Position) (Location, error) {
	if err := checkShape(tree); err != nil {
		return Location{}, err
	}

	class, moments, err := resolveClass(tree, pos)
	if err != nil {
		return Location{}, err
	}

	moment, err := resolveMoment(moments, pos.MomentID)
	if err != nil {
		return Location{}, err
	}

	activity, err := resolveActivity(moment, pos.ActivityID)
	if err != nil {
		return Location{}, err
	}

	return Location{Class: class, Moment: moment, Activity: activity}, nil
}

// NextActivity returns the activity that follows (momentID, activityID): the next one in
// the same moment, otherwise the first activity of the next non-empty moment. ok is false
// when the current activity is the last one in the topic.
func NextActivity(tree *domain.Topic, momentID, activityID string) (next Location, ok bool, err error) {
	if err := checkShape(tree); err != nil {
		return Location{}, false, err
	}

	slots := momentSlots(tree)
	mi := -1
	for i, s := range slots {
		if s.moment.ID == momentID {
			mi = i
			break
		}
	}
	if mi < 0 {
		return Location{}, false, fmt.Errorf("moment %q: %w", momentID, domain.ErrNotFound)
	}

	current := slots[mi].moment
	ai := -1
	for i := range current.Activities {
		if current.Activities[i].ID == activityID {
			ai = i
			break
		}
	}
	if ai < 0 {
		return Location{}, false, fmt.Errorf("activity %q in moment %q: %w", activityID, momentID, domain.ErrNotFound)
	}

	if ai+1 < len(current.Activities) {
		return Location{
			Class:    slots[mi].class,
			Moment:   current,
			Activity: &current.Activities[ai+1],
		}, true, nil
	}

	for _, s := range slots[mi+1:] {
		if len(s.moment.Activities) == 0 {
			continue
		}
		return Location{Class: s.class, Moment: s.moment, Activity: &s.moment.Activities[0]}, true, nil
	}

	return Location{}, false, nil
}

// All yields every activity in tree order.
func All(tree *domain.Topic) iter.Seq[Location] {
	return func(yield func(Location) bool) {
		if tree == nil {
			return
		}
		for _, s := range momentSlots(tree) {
			for i := range s.moment.Activities {
				if !yield(Location{Class: s.class, Moment: s.moment, Activity: &s.moment.Activities[i]}) {
					return
				}
			}
		}
	}
}

// CountActivities walks classes->moments->activities (or moments->activities).
func CountActivities(tree *domain.Topic) int {
	total := 0
	for range All(tree) {
		total++
	}
	return total
}

// FindActivity looks up an activity anywhere in the tree.
func FindActivity(tree *domain.Topic, activityID string) (Location, bool) {
	for loc := range All(tree) {
		if loc.Activity.ID == activityID {
			return loc, true
		}
	}
	return Location{}, false
}

type slot struct {
	class  *domain.Class
	moment *domain.Moment
}

func momentSlots(tree *domain.Topic) []slot {
	var slots []slot
	if tree.HasClasses() {
		for ci := range tree.Classes {
			c := &tree.Classes[ci]
			for mi := range c.Moments {
				slots = append(slots, slot{class: c, moment: &c.Moments[mi]})
			}
		}
		return slots
	}
	for mi := range tree.Moments {
		slots = append(slots, slot{moment: &tree.Moments[mi]})
	}
	return slots
}

func checkShape(tree *domain.Topic) error {
	if tree == nil {
		return fmt.Errorf("nil topic: %w", domain.ErrStructureInvalid)
	}
	if len(tree.Classes) == 0 && len(tree.Moments) == 0 {
		return fmt.Errorf("topic %q has neither classes nor moments: %w", tree.ID, domain.ErrStructureInvalid)
	}
	return nil
}

func resolveClass(tree *domain.Topic, pos domain.Position) (*domain.Class, []domain.Moment, error) {
	if !tree.HasClasses() {
		if pos.ClassID != "" {
			return nil, nil, fmt.Errorf("class %q: %w", pos.ClassID, domain.ErrNotFound)
		}
		return nil, tree.Moments, nil
	}

	if pos.ClassID != "" {
		for i := range tree.Classes {
			if tree.Classes[i].ID == pos.ClassID {
				return &tree.Classes[i], tree.Classes[i].Moments, nil
			}
		}
		return nil, nil, fmt.Errorf("class %q: %w", pos.ClassID, domain.ErrNotFound)
	}

	// A moment id without a class id still pins the class that owns it.
	if pos.MomentID != "" {
		for i := range tree.Classes {
			for _, m := range tree.Classes[i].Moments {
				if m.ID == pos.MomentID {
					return &tree.Classes[i], tree.Classes[i].Moments, nil
				}
			}
		}
		return nil, nil, fmt.Errorf("moment %q: %w", pos.MomentID, domain.ErrNotFound)
	}

	return &tree.Classes[0], tree.Classes[0].Moments, nil
}

func resolveMoment(moments []domain.Moment, momentID string) (*domain.Moment, error) {
	if momentID == "" {
		if len(moments) == 0 {
			return nil, fmt.Errorf("class has no moments: %w", domain.ErrStructureInvalid)
		}
		return &moments[0], nil
	}
	for i := range moments {
		if moments[i].ID == momentID {
			return &moments[i], nil
		}
	}
	return nil, fmt.Errorf("moment %q: %w", momentID, domain.ErrNotFound)
}

func resolveActivity(moment *domain.Moment, activityID string) (*domain.Activity, error) {
	if activityID == "" {
		if len(moment.Activities) == 0 {
			return nil, fmt.Errorf("moment %q has no activities: %w", moment.ID, domain.ErrStructureInvalid)
		}
		return &moment.Activities[0], nil
	}
	for i := range moment.Activities {
		if moment.Activities[i].ID == activityID {
			return &moment.Activities[i], nil
		}
	}
	return nil, fmt.Errorf("activity %q in moment %q: %w", activityID, moment.ID, domain.ErrNotFound)
}
