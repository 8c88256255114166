package protocol

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/dashctl/dashctl/pkg/fault"
	"github.com/dashctl/dashctl/pkg/models"
)

// StatusOK is the only status the firmware uses for success.
const StatusOK = "0"

// Node names read from replies.
const (
	FieldStatus            = "Status"
	FieldValue             = "Value"
	FieldMovieLiveViewLink = "MovieLiveViewLink"
	FieldPhotoLiveViewLink = "PhotoLiveViewLink"
	FieldFile              = "File"
	FieldSize              = "SIZE"
	FieldName              = "NAME"
	FieldTime              = "TIME"
	FieldPath              = "FPATH"
)

// Result is a decoded command reply.
type Result struct {
	Status string
	Value  *string
	// Fields holds the text of every leaf node, first occurrence wins.
	Fields map[string]string
}

// OK reports whether the device accepted the command.
func (r *Result) OK() bool {
	return r.Status == StatusOK
}

// Field returns the text of a named node or a MissingField error.
func (r *Result) Field(name string) (string, error) {
	v, ok := r.Fields[name]
	if !ok {
		return "", fault.Missing(name)
	}
	return v, nil
}

// IntValue parses the Value node.
func (r *Result) IntValue() (int, error) {
	if r.Value == nil {
		return 0, fault.Missing(FieldValue)
	}
	n, err := strconv.Atoi(*r.Value)
	if err != nil {
		return 0, fault.Malformed(fmt.Errorf("value %q: %w", *r.Value, err))
	}
	return n, nil
}

// Decode parses a command-style reply. A reply without a Status node is a
// MissingField error; the status itself is not checked here.
func Decode(body []byte) (*Result, error) {
	fields, err := leaves(body)
	if err != nil {
		return nil, err
	}

	status, ok := fields[FieldStatus]
	if !ok {
		return nil, fault.Missing(FieldStatus)
	}

	res := &Result{Status: status, Fields: fields}
	if v, ok := fields[FieldValue]; ok {
		res.Value = &v
	}
	return res, nil
}

func newDecoder(body []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel
	return dec
}

type frame struct {
	name     string
	hasChild bool
}

// leaves collects the trimmed text of every leaf element, at any depth.
func leaves(body []byte) (map[string]string, error) {
	dec := newDecoder(body)
	fields := make(map[string]string)
	var stack []frame
	var text strings.Builder
	sawRoot := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Malformed(err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) > 0 {
				stack[len(stack)-1].hasChild = true
			}
			stack = append(stack, frame{name: t.Name.Local})
			text.Reset()
			sawRoot = true
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !top.hasChild {
				if _, seen := fields[top.name]; !seen {
					fields[top.name] = strings.TrimSpace(text.String())
				}
			}
			text.Reset()
		}
	}

	if !sawRoot {
		return nil, fault.Malformed(errors.New("empty document"))
	}
	return fields, nil
}

type fileEntry struct {
	Name *string `xml:"NAME"`
	Path *string `xml:"FPATH"`
	Size *string `xml:"SIZE"`
	Time *string `xml:"TIME"`
}

// DecodeCatalog parses a file-list reply into records in document order.
// Indices are 1-based. A list reply carrying a non-zero Status outside any
// File node is a DeviceRejected error.
func DecodeCatalog(body []byte) ([]models.FileRecord, error) {
	dec := newDecoder(body)
	records := []models.FileRecord{}
	var status *string
	sawRoot := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Malformed(err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		sawRoot = true

		switch start.Name.Local {
		case FieldFile:
			var fe fileEntry
			if err := dec.DecodeElement(&fe, &start); err != nil {
				return nil, fault.Malformed(err)
			}
			rec, err := fe.record(len(records) + 1)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		case FieldStatus:
			var s string
			if err := dec.DecodeElement(&s, &start); err != nil {
				return nil, fault.Malformed(err)
			}
			s = strings.TrimSpace(s)
			status = &s
		}
	}

	if !sawRoot {
		return nil, fault.Malformed(errors.New("empty document"))
	}
	if status != nil && *status != StatusOK {
		return nil, fault.Rejected(*status)
	}
	return records, nil
}

func (fe fileEntry) record(index int) (models.FileRecord, error) {
	switch {
	case fe.Name == nil:
		return models.FileRecord{}, fault.Missing(FieldName)
	case fe.Path == nil:
		return models.FileRecord{}, fault.Missing(FieldPath)
	case fe.Size == nil:
		return models.FileRecord{}, fault.Missing(FieldSize)
	case fe.Time == nil:
		return models.FileRecord{}, fault.Missing(FieldTime)
	}

	size, err := strconv.ParseInt(strings.TrimSpace(*fe.Size), 10, 64)
	if err != nil {
		return models.FileRecord{}, fault.Malformed(fmt.Errorf("file %d size: %w", index, err))
	}

	return models.FileRecord{
		Index:  index,
		Name:   strings.TrimSpace(*fe.Name),
		SizeMB: models.SizeMB(size),
		Bytes:  size,
		Time:   strings.TrimSpace(*fe.Time),
		Path:   strings.TrimSpace(*fe.Path),
	}, nil
}
