package model

import "time"

// Timestamp is a point in time in milliseconds since the unix epoch, the
// format the reporting service accepts for all start and end times.
type Timestamp int64

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

type StartLaunchRQ struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Attributes  []Attribute `json:"attributes,omitempty"`
	StartTime   Timestamp   `json:"startTime"`
	Mode        LaunchMode  `json:"mode,omitempty"`
	Rerun       bool        `json:"rerun,omitempty"`
	RerunOf     string      `json:"rerunOf,omitempty"`
}

type FinishLaunchRQ struct {
	EndTime Timestamp `json:"endTime"`
	// Status is computed by the service when left empty.
	Status Status `json:"status,omitempty"`
}

type StartItemRQ struct {
	LaunchID    string      `json:"launchUuid"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Type        ItemKind    `json:"type"`
	StartTime   Timestamp   `json:"startTime"`
	Attributes  []Attribute `json:"attributes,omitempty"`
	CodeRef     string      `json:"codeRef,omitempty"`
	Retry       bool        `json:"retry,omitempty"`
}

type FinishItemRQ struct {
	LaunchID string    `json:"launchUuid"`
	EndTime  Timestamp `json:"endTime"`
	Status   Status    `json:"status,omitempty"`
	Issue    *Issue    `json:"issue,omitempty"`
}

type SaveLogRQ struct {
	LaunchID string    `json:"launchUuid"`
	ItemID   string    `json:"itemUuid,omitempty"`
	Time     Timestamp `json:"time"`
	Message  string    `json:"message"`
	Level    string    `json:"level"`
	File     *FileRef  `json:"file,omitempty"`
}

// FileRef links a log entry to the multipart file part with the same name.
type FileRef struct {
	Name string `json:"name"`
}

type EntryCreatedRS struct {
	ID     string `json:"id"`
	Number int64  `json:"number,omitempty"`
}

type BatchSaveRS struct {
	Responses []EntryCreatedRS `json:"responses"`
}

type OperationCompletionRS struct {
	Message string `json:"message"`
}

type ErrorRS struct {
	ErrorCode int    `json:"errorCode"`
	Message   string `json:"message"`
}
