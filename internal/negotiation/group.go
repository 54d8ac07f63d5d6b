package negotiation

import "fmt"

// Group is the position of an actor relative to the outcome on an issue pair.
// Bit 0 is set when the actor is left of the outcome on the first issue,
// bit 1 when it is left on the second.
type Group int

const (
	GroupA Group = iota // right on both
	GroupB              // left on the first issue only
	GroupC              // left on the second issue only
	GroupD              // left on both
)

func (g Group) String() string {
	switch g {
	case GroupA:
		return "a"
	case GroupB:
		return "b"
	case GroupC:
		return "c"
	case GroupD:
		return "d"
	}
	return fmt.Sprintf("group(%d)", int(g))
}

func groupOf(leftP, leftQ bool) Group {
	g := GroupA
	if leftP {
		g |= 1
	}
	if leftQ {
		g |= 2
	}
	return g
}

// IssuePair is an unordered combination of two issues, stored in model order.
type IssuePair struct {
	P string
	Q string
}

func (p IssuePair) String() string {
	return p.P + "-" + p.Q
}

// Groups holds the actors of each group on one issue pair.
type Groups [4][]string

// Size is the number of actors over all four groups.
func (g Groups) Size() int {
	return len(g[GroupA]) + len(g[GroupB]) + len(g[GroupC]) + len(g[GroupD])
}

// Contains reports whether actor is a member of group.
func (g Groups) Contains(group Group, actor string) bool {
	for _, a := range g[group] {
		if a == actor {
			return true
		}
	}
	return false
}

// ValidateGroups checks that two groups may exchange: a with d or b with c.
func ValidateGroups(first, second Group) error {
	// a+d and b+c are the only in-range pairs summing to d.
	if first >= GroupA && first <= GroupD && first+second == GroupD {
		return nil
	}
	return fmt.Errorf("%w: [%s, %s]", ErrInvalidGroupCombination, first, second)
}

// InnerGroups returns the group pair an exchange between first and second
// belongs to.
func InnerGroups(first, second Group) ([2]Group, error) {
	if err := ValidateGroups(first, second); err != nil {
		return [2]Group{}, err
	}
	if first == GroupA || first == GroupD {
		return [2]Group{GroupA, GroupD}, nil
	}
	return [2]Group{GroupB, GroupC}, nil
}
