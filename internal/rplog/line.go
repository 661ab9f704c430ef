package rplog

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// AttachmentLinePrefix marks an output line of a test process that carries
// an attachment instead of a plain message.
const AttachmentLinePrefix = "rp:attachment "

type attachmentLine struct {
	Message  string `json:"message,omitempty"`
	Name     string `json:"name"`
	MimeType string `json:"mime,omitempty"`
	Data     []byte `json:"data"`
}

// WriteAttachment writes a as a single line to w, typically os.Stdout of a
// test binary whose output is decoded by the go test adapter.
func WriteAttachment(w io.Writer, message string, a Attachment) error {
	b, err := json.Marshal(attachmentLine{
		Message:  message,
		Name:     a.Name,
		MimeType: a.MimeType,
		Data:     a.Data,
	})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "%s%s\n", AttachmentLinePrefix, b)

	return err
}

// ParseAttachmentLine decodes a line written by WriteAttachment. Leading
// whitespace (go test indents subtest output) is ignored.
func ParseAttachmentLine(line string) (string, *Attachment, bool) {
	line = strings.TrimSpace(line)

	payload, found := strings.CutPrefix(line, AttachmentLinePrefix)
	if !found {
		return "", nil, false
	}

	var l attachmentLine
	if err := json.Unmarshal([]byte(payload), &l); err != nil {
		return "", nil, false
	}

	message := l.Message
	if message == "" {
		message = l.Name
	}

	return message, &Attachment{Name: l.Name, MimeType: l.MimeType, Data: l.Data}, true
}
