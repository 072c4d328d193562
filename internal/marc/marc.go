// Package marc models MARCXML bibliographic records just deeply enough for
// the integrator: field and subfield reads for the mapping engine, and
// targeted mutation of the control block the source catalog uses to track
// integration status.
package marc

import (
	"encoding/xml"
	"errors"
	"strings"
)

// Record is a single MARCXML record.
type Record struct {
	Leader        string         `xml:"leader"`
	ControlFields []ControlField `xml:"controlfield"`
	DataFields    []DataField    `xml:"datafield"`
}

// ControlField is a fixed field such as 001 or 005.
type ControlField struct {
	Tag   string `xml:"tag,attr"`
	Value string `xml:",chardata"`
}

// DataField is a variable field with coded subfields.
type DataField struct {
	Tag       string     `xml:"tag,attr"`
	Ind1      string     `xml:"ind1,attr"`
	Ind2      string     `xml:"ind2,attr"`
	Subfields []Subfield `xml:"subfield"`
}

// Subfield is a single coded value inside a data field.
type Subfield struct {
	Code  string `xml:"code,attr"`
	Value string `xml:",chardata"`
}

type xmlRecord struct {
	XMLName       xml.Name       `xml:"record"`
	Leader        string         `xml:"leader"`
	ControlFields []ControlField `xml:"controlfield"`
	DataFields    []DataField    `xml:"datafield"`
}

type xmlCollection struct {
	XMLName xml.Name    `xml:"collection"`
	Records []xmlRecord `xml:"record"`
}

// Parse decodes a MARCXML document. Both a bare <record> and a
// <collection> wrapper are accepted; for a collection the first record
// wins, matching how the catalog API answers single-record requests.
func Parse(data []byte) (*Record, error) {
	var rec xmlRecord
	if err := xml.Unmarshal(data, &rec); err == nil && (rec.Leader != "" || len(rec.ControlFields) > 0 || len(rec.DataFields) > 0) {
		return &Record{Leader: rec.Leader, ControlFields: rec.ControlFields, DataFields: rec.DataFields}, nil
	}
	var col xmlCollection
	if err := xml.Unmarshal(data, &col); err != nil {
		return nil, err
	}
	if len(col.Records) == 0 {
		return nil, errors.New("marcxml: no record element found")
	}
	r := col.Records[0]
	return &Record{Leader: r.Leader, ControlFields: r.ControlFields, DataFields: r.DataFields}, nil
}

type marshalRecord struct {
	XMLName       xml.Name       `xml:"record"`
	Xmlns         string         `xml:"xmlns,attr"`
	Leader        string         `xml:"leader,omitempty"`
	ControlFields []ControlField `xml:"controlfield"`
	DataFields    []DataField    `xml:"datafield"`
}

// Bytes serializes the record back to MARCXML.
func (r *Record) Bytes() ([]byte, error) {
	out := marshalRecord{
		Xmlns:         "http://www.loc.gov/MARC21/slim",
		Leader:        r.Leader,
		ControlFields: r.ControlFields,
		DataFields:    r.DataFields,
	}
	data, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}

// Control returns the value of the first control field with the tag.
func (r *Record) Control(tag string) string {
	for _, f := range r.ControlFields {
		if f.Tag == tag {
			return strings.TrimSpace(f.Value)
		}
	}
	return ""
}

// Fields returns pointers to every data field with the tag, in record order.
func (r *Record) Fields(tag string) []*DataField {
	var out []*DataField
	for i := range r.DataFields {
		if r.DataFields[i].Tag == tag {
			out = append(out, &r.DataFields[i])
		}
	}
	return out
}

// First returns the first non-empty occurrence of tag$code, or "".
func (r *Record) First(tag, code string) string {
	for _, f := range r.Fields(tag) {
		if v := f.Subfield(code); v != "" {
			return v
		}
	}
	return ""
}

// All returns every non-empty occurrence of tag$code across repeated
// fields, in record order.
func (r *Record) All(tag, code string) []string {
	var out []string
	for _, f := range r.Fields(tag) {
		out = append(out, f.SubfieldValues(code)...)
	}
	return out
}

// RemoveFields drops every data field with the tag.
func (r *Record) RemoveFields(tag string) {
	kept := r.DataFields[:0]
	for _, f := range r.DataFields {
		if f.Tag != tag {
			kept = append(kept, f)
		}
	}
	r.DataFields = kept
}

// AppendField adds a data field at the end of the record.
func (r *Record) AppendField(f DataField) {
	r.DataFields = append(r.DataFields, f)
}

// Subfield returns the first non-empty value for code, trimmed.
func (f *DataField) Subfield(code string) string {
	for _, s := range f.Subfields {
		if s.Code == code {
			if v := strings.TrimSpace(s.Value); v != "" {
				return v
			}
		}
	}
	return ""
}

// SubfieldValues returns every non-empty value for code, trimmed.
func (f *DataField) SubfieldValues(code string) []string {
	var out []string
	for _, s := range f.Subfields {
		if s.Code == code {
			if v := strings.TrimSpace(s.Value); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// SetSubfield replaces every occurrence of code with a single value,
// appending the subfield when it was not present.
func (f *DataField) SetSubfield(code, value string) {
	f.DeleteSubfield(code)
	f.Subfields = append(f.Subfields, Subfield{Code: code, Value: value})
}

// DeleteSubfield removes every occurrence of code.
func (f *DataField) DeleteSubfield(code string) {
	kept := f.Subfields[:0]
	for _, s := range f.Subfields {
		if s.Code != code {
			kept = append(kept, s)
		}
	}
	f.Subfields = kept
}
