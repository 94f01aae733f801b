// Package schedule reduces the upstream student schedule payload to the
// fields the mobile client renders.
//
// The StudentCourseSubject/studentLoginUser endpoint returns every course
// record with its full object graph, which is megabytes for one semester.
// Sanitize keeps a whitelist of fields per record and drops the rest.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"tlu-gateway/internal/model"
)

var (
	// ErrInvalidJSON is returned when the payload does not parse as JSON.
	ErrInvalidJSON = errors.New("schedule: payload is not valid JSON")
	// ErrUnexpectedShape is returned when a record is not a JSON object.
	ErrUnexpectedShape = errors.New("schedule: record is not an object")
)

// Paths checked in order for the nested course subject of a record.
var courseSubjectPaths = []string{
	"studentCourseSubject.courseSubject",
	"courseSubject",
}

// Sanitize maps a schedule payload to ScheduleItem records. An array input
// yields an array, a single object yields a single object.
func Sanitize(data []byte) ([]byte, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	root := gjson.ParseBytes(data)

	if !root.IsArray() {
		item, err := reduce(root)
		if err != nil {
			return nil, err
		}
		return json.Marshal(item)
	}

	records := root.Array()
	items := make([]model.ScheduleItem, 0, len(records))
	for i, rec := range records {
		item, err := reduce(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		items = append(items, item)
	}
	return json.Marshal(items)
}

func reduce(rec gjson.Result) (model.ScheduleItem, error) {
	if !rec.IsObject() {
		return model.ScheduleItem{}, ErrUnexpectedShape
	}
	item := model.ScheduleItem{
		ID:             raw(rec.Get("id")),
		Status:         raw(rec.Get("status")),
		SubjectName:    raw(rec.Get("subjectName")),
		SubjectCode:    raw(rec.Get("subjectCode")),
		CourseName:     raw(rec.Get("courseName")),
		CourseCode:     raw(rec.Get("courseCode")),
		NumberOfCredit: raw(rec.Get("numberOfCredit")),
		Credits:        raw(rec.Get("credits")),
		Grade:          raw(rec.Get("grade")),
		StudentCode:    raw(rec.Get("studentCode")),
	}
	for _, path := range courseSubjectPaths {
		cs := rec.Get(path)
		if !truthy(cs) {
			continue
		}
		item.CourseSubject = &model.CourseSubjectSummary{
			ID:         raw(cs.Get("id")),
			ClassCode:  raw(cs.Get("classCode")),
			ClassName:  raw(cs.Get("className")),
			Name:       raw(cs.Get("name")),
			Lecturer:   raw(cs.Get("lecturer")),
			Timetables: raw(cs.Get("timetables")),
		}
		break
	}
	return item, nil
}

// raw returns the JSON text of r, or nil when the key is absent.
func raw(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}

// truthy reports whether r holds a value other than null, false, 0 or "".
// The mobile client relies on these being treated as "no course subject".
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null:
		return false
	case gjson.False:
		return false
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != ""
	default:
		return r.Exists()
	}
}
