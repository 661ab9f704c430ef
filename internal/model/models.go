// Package model contains the types shared by the bridge, the reporting
// facade and the wire client. It exists to avoid cyclic dependencies between
// those packages, types needed by library users are reexported by the
// rpbridge package.
package model

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPassed      Status = "PASSED"
	StatusFailed      Status = "FAILED"
	StatusSkipped     Status = "SKIPPED"
	StatusInterrupted Status = "INTERRUPTED"
)

// Worse reports whether s should replace other when aggregating the
// status of a suite from its children.
func (s Status) Worse(other Status) bool {
	return s.rank() > other.rank()
}

func (s Status) rank() int {
	switch s {
	case StatusFailed, StatusInterrupted:
		return 3
	case StatusPassed:
		return 2
	case StatusSkipped:
		return 1
	default:
		return 0
	}
}

type ItemKind string

const (
	KindSuite ItemKind = "SUITE"
	KindTest  ItemKind = "TEST"
	KindStep  ItemKind = "STEP"
)

type LaunchMode string

const (
	ModeDefault LaunchMode = "DEFAULT"
	ModeDebug   LaunchMode = "DEBUG"
)

// Attribute is a key-value tag attached to a launch or an item. The key is
// optional.
type Attribute struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

// ParseAttributes converts `key:value` or `value` strings into attributes.
// Empty entries are dropped.
func ParseAttributes(raw []string) []Attribute {
	attributes := []Attribute{}

	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}

		key, value, found := strings.Cut(r, ":")
		if !found {
			attributes = append(attributes, Attribute{Value: r})
			continue
		}

		attributes = append(attributes, Attribute{Key: key, Value: value})
	}

	return attributes
}

type Launch struct {
	// ID is assigned by the reporting service.
	ID          string
	Name        string
	Description string
	Attributes  []Attribute
	Mode        LaunchMode
	// Rerun marks the launch as a rerun of RerunOf (or of the latest launch
	// with the same name if RerunOf is empty).
	Rerun   bool
	RerunOf string
	Start   time.Time
	End     time.Time
}

type Item struct {
	ID string
	// ParentID is empty for root items.
	ParentID    string
	Kind        ItemKind
	Name        string
	Description string
	CodeRef     string
	Attributes  []Attribute
	// Retry marks a rerun of a previously reported item.
	Retry  bool
	Status Status
	Issue  *Issue
	Start  time.Time
	End    time.Time
}

// Issue is the defect classification sent with a finished item.
type Issue struct {
	IssueType            string          `json:"issueType"`
	Comment              string          `json:"comment,omitempty"`
	ExternalSystemIssues []ExternalIssue `json:"externalSystemIssues,omitempty"`
}

type ExternalIssue struct {
	TicketID string `json:"ticketId"`
	URL      string `json:"url,omitempty"`
}

const (
	IssueTypeProductBug    = "PB"
	IssueTypeToInvestigate = "TI"
	IssueTypeNotIssue      = "NOT_ISSUE"
)

const DefaultAttachmentMimeType = "application/octet-stream"

type Attachment struct {
	Name     string
	Data     []byte
	MimeType string
}

type LogRecord struct {
	// ItemID is empty for launch level logs.
	ItemID     string
	Level      string
	Message    string
	Time       time.Time
	Attachment *Attachment
}
