package agreement

import (
	"strings"

	"marketflow/fault"
)

// normalizeDraft filters out deleted milestones, validates each survivor,
// renumbers them to a contiguous 1..N ordering, and returns the due-day sum
// that becomes the agreement's duration.
func normalizeDraft(inputs []MilestoneInput) ([]MilestoneInput, int, error) {
	kept := make([]MilestoneInput, 0, len(inputs))
	for _, in := range inputs {
		if in.Delete {
			continue
		}
		if strings.TrimSpace(in.Title) == "" {
			return nil, 0, fault.New(fault.KindValidation, "agreement: milestone title required")
		}
		if in.DueDays < 1 {
			return nil, 0, fault.Newf(fault.KindValidation, "agreement: milestone %q due days must be at least 1", in.Title)
		}
		kept = append(kept, in)
	}

	if len(kept) == 0 {
		return nil, 0, fault.New(fault.KindValidation, "agreement: at least one milestone required")
	}

	sum := 0
	for i := range kept {
		sum += kept[i].DueDays
	}
	if sum <= 0 {
		return nil, 0, fault.New(fault.KindValidation, "agreement: sum of milestone days must be > 0")
	}

	return kept, sum, nil
}
