package model

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type ValidationFinding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Field    string   `json:"field,omitempty"`
}

type ValidationResult struct {
	Errors   int                 `json:"errors"`
	Warnings int                 `json:"warnings"`
	Findings []ValidationFinding `json:"findings"`
}

func (r *ValidationResult) Add(f ValidationFinding) {
	r.Findings = append(r.Findings, f)
	switch f.Severity {
	case SeverityError:
		r.Errors++
	case SeverityWarning:
		r.Warnings++
	}
}

func (r *ValidationResult) Valid() bool {
	return r.Errors == 0
}

// Err returns nil when the result is valid, otherwise a *ValidationError.
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return &ValidationError{Result: *r}
}

func (r *ValidationResult) require(field, value string) {
	if strings.TrimSpace(value) == "" {
		r.Add(ValidationFinding{
			Check:    "request." + field + ".required",
			Severity: SeverityError,
			Message:  field + " is required",
			Field:    field,
		})
	}
}

// ValidationError reports rejected request fields.
type ValidationError struct {
	Result ValidationResult
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, f := range e.Result.Findings {
		if f.Severity == SeverityError {
			msgs = append(msgs, f.Message)
		}
	}
	return fmt.Sprintf("invalid request: %s", strings.Join(msgs, "; "))
}

// Fields lists the rejected field names in finding order.
func (e *ValidationError) Fields() []string {
	var fields []string
	for _, f := range e.Result.Findings {
		if f.Severity == SeverityError && f.Field != "" {
			fields = append(fields, f.Field)
		}
	}
	return fields
}

type CommitRequest struct {
	ContainerID string `json:"containerId"`
	ImageName   string `json:"imageName"`
}

func (r CommitRequest) Validate() error {
	var res ValidationResult
	res.require("containerId", r.ContainerID)
	res.require("imageName", r.ImageName)
	return res.Err()
}

// SaveRequest is the body of POST /export. ImageName is informational
// (the UI sends the repository:tag it displayed); Directory is relative to
// the export root.
type SaveRequest struct {
	ImageID        string `json:"imageId"`
	ImageName      string `json:"imageName,omitempty"`
	ExportFilename string `json:"exportFilename"`
	Directory      string `json:"directory,omitempty"`
}

func (r SaveRequest) Validate() error {
	var res ValidationResult
	res.require("imageId", r.ImageID)
	res.require("exportFilename", r.ExportFilename)
	return res.Err()
}
