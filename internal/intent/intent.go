package intent

import (
	"fmt"
	"strings"
)

// Intent is the closed set of question domains.
type Intent int

const (
	// StudentAffairs covers regulations, procedures, fees, scholarships and
	// campus information. It is the zero value and the fallback.
	StudentAffairs Intent = iota
	// StudentInfo covers the asking student's own records.
	StudentInfo
	// Counselling covers psychological counselling and survey results.
	Counselling
)

// Default is returned whenever classification cannot decide.
const Default = StudentAffairs

// All lists intents in classification priority order. Default is last.
func All() []Intent {
	return []Intent{StudentInfo, Counselling, StudentAffairs}
}

// Label is the canonical label the classifier prompt asks the model to emit.
func (i Intent) Label() string {
	switch i {
	case StudentInfo:
		return "STUDENT INFO"
	case Counselling:
		return "PSYCHOLOGICAL COUNSELLING"
	case StudentAffairs:
		return "STUDENT AFFAIRS"
	default:
		panic(fmt.Sprintf("intent: unknown value %d", int(i)))
	}
}

// Name is the snake_case identifier used in config files and metrics.
func (i Intent) Name() string {
	switch i {
	case StudentInfo:
		return "student_info"
	case Counselling:
		return "counselling"
	case StudentAffairs:
		return "student_affairs"
	default:
		panic(fmt.Sprintf("intent: unknown value %d", int(i)))
	}
}

func (i Intent) String() string {
	if i < StudentAffairs || i > Counselling {
		return fmt.Sprintf("Intent(%d)", int(i))
	}
	return i.Label()
}

// ParseLabel maps an exact label or name back to an Intent.
func ParseLabel(s string) (Intent, bool) {
	s = strings.TrimSpace(s)
	for _, i := range All() {
		if strings.EqualFold(s, i.Label()) || strings.EqualFold(s, i.Name()) {
			return i, true
		}
	}
	return Default, false
}

// Match maps a raw completion to an Intent by substring containment in
// priority order. Unknown text maps to Default.
func Match(raw string) Intent {
	upper := strings.ToUpper(raw)
	for _, i := range All() {
		if i == Default {
			continue
		}
		if strings.Contains(upper, i.Label()) {
			return i
		}
	}
	return Default
}

func (i Intent) MarshalText() ([]byte, error) {
	if i < StudentAffairs || i > Counselling {
		return nil, fmt.Errorf("intent: unknown value %d", int(i))
	}
	return []byte(i.Label()), nil
}

func (i *Intent) UnmarshalText(b []byte) error {
	v, ok := ParseLabel(string(b))
	if !ok {
		return fmt.Errorf("intent: unknown label %q", string(b))
	}
	*i = v
	return nil
}
