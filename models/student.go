package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Student is the structured record looked up for student-info questions.
type Student struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	StudentID      string             `bson:"student_id" json:"student_id"`
	Name           string             `bson:"name" json:"name"`
	DepartmentName string             `bson:"department_name,omitempty" json:"department_name,omitempty"`
	MajorName      string             `bson:"major_name,omitempty" json:"major_name,omitempty"`
	CourseNumber   string             `bson:"course_number,omitempty" json:"course_number,omitempty"`
	ClassName      string             `bson:"class_name,omitempty" json:"class_name,omitempty"`
	Email          string             `bson:"email,omitempty" json:"email,omitempty"`
	GPA            float64            `bson:"gpa,omitempty" json:"gpa,omitempty"`
}

// SurveyResult is one psychological survey taken by a student.
type SurveyResult struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	StudentID  string             `bson:"student_id" json:"student_id"`
	SurveyName string             `bson:"survey_name" json:"survey_name"`
	Score      float64            `bson:"score" json:"score"`
	Level      string             `bson:"level,omitempty" json:"level,omitempty"`
	Advice     string             `bson:"advice,omitempty" json:"advice,omitempty"`
	TakenAt    time.Time          `bson:"taken_at" json:"taken_at"`
}
