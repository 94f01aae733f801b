package model

import "encoding/json"

// ScheduleItem is the reduced form of one StudentCourseSubject record.
// Values are kept as raw JSON so numbers, strings and nulls round-trip
// unchanged; a key absent from the upstream record is absent here too.
type ScheduleItem struct {
	ID             json.RawMessage       `json:"id,omitempty"`
	Status         json.RawMessage       `json:"status,omitempty"`
	SubjectName    json.RawMessage       `json:"subjectName,omitempty"`
	SubjectCode    json.RawMessage       `json:"subjectCode,omitempty"`
	CourseName     json.RawMessage       `json:"courseName,omitempty"`
	CourseCode     json.RawMessage       `json:"courseCode,omitempty"`
	NumberOfCredit json.RawMessage       `json:"numberOfCredit,omitempty"`
	Credits        json.RawMessage       `json:"credits,omitempty"`
	Grade          json.RawMessage       `json:"grade,omitempty"`
	StudentCode    json.RawMessage       `json:"studentCode,omitempty"`
	CourseSubject  *CourseSubjectSummary `json:"courseSubject"`
}

// CourseSubjectSummary is the reduced nested course subject of a ScheduleItem.
type CourseSubjectSummary struct {
	ID         json.RawMessage `json:"id,omitempty"`
	ClassCode  json.RawMessage `json:"classCode,omitempty"`
	ClassName  json.RawMessage `json:"className,omitempty"`
	Name       json.RawMessage `json:"name,omitempty"`
	Lecturer   json.RawMessage `json:"lecturer,omitempty"`
	Timetables json.RawMessage `json:"timetables,omitempty"`
}
