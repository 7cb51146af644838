package memory

import (
	"encoding/json"
	"sort"
	"strings"
)

// Entity field names requested from the extractor.
const (
	FieldStudentName    = "student_name"
	FieldStudentID      = "student_id"
	FieldDepartmentName = "department_name"
	FieldMajorName      = "major_name"
	FieldCourseNumber   = "course_number"
	FieldClassName      = "class_name"
	FieldOtherInfo      = "other_info"
)

// Fields is the extraction schema in prompt order.
var Fields = []string{
	FieldStudentName,
	FieldStudentID,
	FieldDepartmentName,
	FieldMajorName,
	FieldCourseNumber,
	FieldClassName,
	FieldOtherInfo,
}

// Record maps entity names to values for one thread.
type Record map[string]string

func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the record keys sorted.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lines renders "key: value" lines in key order.
func (r Record) Lines() string {
	var b strings.Builder
	for i, k := range r.Keys() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(r[k])
	}
	return b.String()
}

// JSON renders the record as a compact JSON object.
func (r Record) JSON() string {
	if len(r) == 0 {
		return "{}"
	}
	b, err := json.Marshal(map[string]string(r))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Merge copies non-blank values from src into dst and returns dst. Keys
// absent from src, or blank in src, keep their current value.
func Merge(dst, src Record) Record {
	if dst == nil {
		dst = Record{}
	}
	for k, v := range src {
		if strings.TrimSpace(v) == "" {
			continue
		}
		dst[k] = v
	}
	return dst
}

// Compact drops blank values.
func Compact(r Record) Record {
	return Merge(Record{}, r)
}
