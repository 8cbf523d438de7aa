package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Operation string

const (
	OperationCommit Operation = "commit"
	OperationSave   Operation = "save"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

var (
	ErrCorruptState     = errors.New("corrupt state")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrTerminal         = errors.New("operation already finished")
)

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusComplete, StatusFailed:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

type CommitParams struct {
	ContainerID string
	ImageName   string
}

type SaveParams struct {
	ImageID        string
	ExportFilename string
}

// State is the persisted record of the current or most recent operation.
// Exactly one of Commit and Save is set, matching Operation.
type State struct {
	Operation Operation
	Status    Status
	Started   time.Time
	Error     string

	Commit *CommitParams
	Save   *SaveParams
}

func NewCommitState(p CommitParams, now time.Time) *State {
	return &State{
		Operation: OperationCommit,
		Status:    StatusRunning,
		Started:   now.UTC().Round(0),
		Commit:    &p,
	}
}

func NewSaveState(p SaveParams, now time.Time) *State {
	return &State{
		Operation: OperationSave,
		Status:    StatusRunning,
		Started:   now.UTC().Round(0),
		Save:      &p,
	}
}

// Complete moves a running record to complete.
func (s *State) Complete() error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: status is %s", ErrTerminal, s.Status)
	}
	s.Status = StatusComplete
	s.Error = ""
	return nil
}

// Fail moves a running record to failed. An empty message is replaced so
// that a failed record always carries error text.
func (s *State) Fail(msg string) error {
	if s.Status != StatusRunning {
		return fmt.Errorf("%w: status is %s", ErrTerminal, s.Status)
	}
	if msg == "" {
		msg = "unknown error"
	}
	s.Status = StatusFailed
	s.Error = msg
	return nil
}

// Validate checks the discriminant against the payload and the
// error/status invariant.
func (s *State) Validate() error {
	switch s.Operation {
	case OperationCommit:
		if s.Commit == nil || s.Save != nil {
			return fmt.Errorf("%w: commit record must carry commit fields only", ErrCorruptState)
		}
	case OperationSave:
		if s.Save == nil || s.Commit != nil {
			return fmt.Errorf("%w: save record must carry save fields only", ErrCorruptState)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrCorruptState, s.Operation)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrCorruptState, s.Status)
	}
	if (s.Error != "") != (s.Status == StatusFailed) {
		return fmt.Errorf("%w: error must be set exactly when status is failed", ErrCorruptState)
	}
	return nil
}

// Subject names what the operation acts on, for logs and events.
func (s *State) Subject() string {
	switch s.Operation {
	case OperationCommit:
		return s.Commit.ContainerID + " -> " + s.Commit.ImageName
	case OperationSave:
		return s.Save.ImageID + " -> " + s.Save.ExportFilename
	}
	return string(s.Operation)
}

// On-disk shapes. Field order here is the order written to disk.

type commitRecord struct {
	Operation   Operation `json:"operation"`
	ContainerID *string   `json:"containerId"`
	ImageName   *string   `json:"imageName"`
	Status      *Status   `json:"status"`
	Started     *string   `json:"started"`
	Error       *string   `json:"error"`
}

type saveRecord struct {
	Operation      Operation `json:"operation"`
	ImageID        *string   `json:"imageId"`
	ExportFilename *string   `json:"exportFilename"`
	Status         *Status   `json:"status"`
	Started        *string   `json:"started"`
	Error          *string   `json:"error"`
}

func (s State) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	started := s.Started.UTC().Format(time.RFC3339Nano)
	switch s.Operation {
	case OperationCommit:
		return json.Marshal(commitRecord{
			Operation:   s.Operation,
			ContainerID: &s.Commit.ContainerID,
			ImageName:   &s.Commit.ImageName,
			Status:      &s.Status,
			Started:     &started,
			Error:       &s.Error,
		})
	case OperationSave:
		return json.Marshal(saveRecord{
			Operation:      s.Operation,
			ImageID:        &s.Save.ImageID,
			ExportFilename: &s.Save.ExportFilename,
			Status:         &s.Status,
			Started:        &started,
			Error:          &s.Error,
		})
	}
	return nil, fmt.Errorf("%w: unknown operation %q", ErrCorruptState, s.Operation)
}

// ParseState decodes a persisted record. Every failure, including input that
// is not JSON at all, wraps ErrCorruptState or ErrInvalidTimestamp.
func ParseState(data []byte) (*State, error) {
	var st State
	if err := st.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &st, nil
}

// UnmarshalJSON accepts exactly the shape MarshalJSON writes: every field
// present, no extras, known discriminant.
func (s *State) UnmarshalJSON(data []byte) error {
	var head struct {
		Operation *Operation `json:"operation"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if head.Operation == nil {
		return fmt.Errorf("%w: missing operation", ErrCorruptState)
	}

	var (
		out     State
		status  *Status
		started *string
		errText *string
	)
	switch *head.Operation {
	case OperationCommit:
		var rec commitRecord
		if err := decodeStrict(data, &rec); err != nil {
			return err
		}
		if err := requireFields(map[string]bool{
			"containerId": rec.ContainerID != nil,
			"imageName":   rec.ImageName != nil,
		}); err != nil {
			return err
		}
		out.Commit = &CommitParams{ContainerID: *rec.ContainerID, ImageName: *rec.ImageName}
		status, started, errText = rec.Status, rec.Started, rec.Error
	case OperationSave:
		var rec saveRecord
		if err := decodeStrict(data, &rec); err != nil {
			return err
		}
		if err := requireFields(map[string]bool{
			"imageId":        rec.ImageID != nil,
			"exportFilename": rec.ExportFilename != nil,
		}); err != nil {
			return err
		}
		out.Save = &SaveParams{ImageID: *rec.ImageID, ExportFilename: *rec.ExportFilename}
		status, started, errText = rec.Status, rec.Started, rec.Error
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrCorruptState, *head.Operation)
	}

	if err := requireFields(map[string]bool{
		"status":  status != nil,
		"started": started != nil,
		"error":   errText != nil,
	}); err != nil {
		return err
	}

	t, err := time.Parse(time.RFC3339Nano, *started)
	if err != nil {
		return fmt.Errorf("%w: started %q", ErrInvalidTimestamp, *started)
	}

	out.Operation = *head.Operation
	out.Status = *status
	out.Started = t
	out.Error = *errText
	if err := out.Validate(); err != nil {
		return err
	}
	*s = out
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrCorruptState)
	}
	return nil
}

func requireFields(present map[string]bool) error {
	for _, name := range []string{"containerId", "imageName", "imageId", "exportFilename", "status", "started", "error"} {
		if ok, checked := present[name]; checked && !ok {
			return fmt.Errorf("%w: missing field %q", ErrCorruptState, name)
		}
	}
	return nil
}

// StatusView is the normalized answer to a status request. Nil fields
// encode as JSON null.
type StatusView struct {
	Status    Status     `json:"status"`
	Started   *time.Time `json:"started"`
	Error     *string    `json:"error"`
	Operation *Operation `json:"operation"`
}

func IdleStatus() StatusView {
	return StatusView{Status: StatusIdle}
}

func (s *State) View() StatusView {
	if s == nil {
		return IdleStatus()
	}
	started := s.Started
	op := s.Operation
	v := StatusView{
		Status:    s.Status,
		Started:   &started,
		Operation: &op,
	}
	if s.Error != "" {
		e := s.Error
		v.Error = &e
	}
	return v
}
