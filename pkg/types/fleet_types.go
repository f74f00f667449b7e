package types

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wI2L/jsondiff"
)

const (
	KIND_DRIVER  = "driver"
	KIND_VEHICLE = "vehicle"
	KIND_COMPANY = "company"

	keyPrefix = "/fleet/v1"
)

// Record is one fleet entity. Revision is the version marker assigned by the
// store; it is not part of the serialized value.
type Record struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Fields    map[string]string `json:"fields"`
	CreatedAt int64             `json:"created_at"`
	UpdateAt  int64             `json:"update_at"`
	Revision  int64             `json:"-"`
}

func (r *Record) Key() string {
	return RecordKey(r.Kind, r.ID)
}

func (r *Record) ParentKey() string {
	return KindPrefix(r.Kind)
}

// UpdateTs stamps a write. UpdateAt moves forward on every write, even two
// in the same second, so an unchanged Last-Modified means an unchanged record.
func (r *Record) UpdateTs() {
	now := time.Now().Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdateAt = max(now, r.UpdateAt+1)
}

func (r *Record) Serialize() (*KVPair, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return &KVPair{
		Key:      r.Key(),
		Value:    string(data),
		Revision: r.Revision,
	}, nil
}

// Clone returns a deep copy so callers never share the field map.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	return &c
}

func RecordKey(kind, id string) string {
	return fmt.Sprintf("%s/%s/%s", keyPrefix, kind, id)
}

func KindPrefix(kind string) string {
	return fmt.Sprintf("%s/%s/", keyPrefix, kind)
}

func DeSerializeRecord(pair *KVPair) (*Record, error) {
	var r Record
	err := json.Unmarshal([]byte(pair.Value), &r)
	if err != nil {
		return nil, err
	}
	if r.Fields == nil {
		r.Fields = map[string]string{}
	}
	r.Revision = pair.Revision
	return &r, nil
}

// UpdateRequest carries field changes and the precondition the caller last
// observed. At least one of BaseVersion, UnmodifiedSince or MatchAny must be
// set. MatchAny is If-Match: * and accepts whatever version is stored.
type UpdateRequest struct {
	Kind            string
	ID              string
	Changes         map[string]string
	BaseVersion     int64
	UnmodifiedSince time.Time
	MatchAny        bool
}

type UpdateResult struct {
	Record  *Record
	Changes jsondiff.Patch
}

// RecordView is the wire form of a Record.
type RecordView struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Version   string                 `json:"version"`
	Fields    map[string]string      `json:"fields"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Expanded  map[string]*RecordView `json:"expanded,omitempty"`
}

func NewRecordView(r *Record) *RecordView {
	return &RecordView{
		ID:        r.ID,
		Kind:      r.Kind,
		Version:   FormatVersion(r.Revision),
		Fields:    r.Fields,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(r.UpdateAt, 0).UTC(),
	}
}

type UpdateResp struct {
	Record  *RecordView    `json:"record"`
	Changes jsondiff.Patch `json:"changes"`
}

type ConflictResp struct {
	Error   string         `json:"error"`
	Current *RecordView    `json:"current"`
	Pending jsondiff.Patch `json:"pending,omitempty"`
}

type ErrorResp struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func FormatVersion(rev int64) string {
	return strconv.FormatInt(rev, 10)
}

func ParseVersion(v string) (int64, error) {
	rev, err := strconv.ParseInt(v, 10, 64)
	if err != nil || rev <= 0 {
		return 0, fmt.Errorf("invalid version %q", v)
	}
	return rev, nil
}

// ETag renders a version as a strong entity tag.
func ETag(rev int64) string {
	return strconv.Quote(FormatVersion(rev))
}

// ParseETag accepts "12", W/"12" and a bare 12.
func ParseETag(tag string) (int64, error) {
	if len(tag) > 2 && tag[:2] == "W/" {
		tag = tag[2:]
	}
	if unq, err := strconv.Unquote(tag); err == nil {
		tag = unq
	}
	return ParseVersion(tag)
}

// ParseIfMatch reads an If-Match value. "*" reports any, and a list of tags
// yields the newest version among them.
func ParseIfMatch(value string) (rev int64, matchAny bool, err error) {
	if strings.TrimSpace(value) == "*" {
		return 0, true, nil
	}
	for _, tag := range strings.Split(value, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		v, err := ParseETag(tag)
		if err != nil {
			return 0, false, err
		}
		rev = max(rev, v)
	}
	if rev == 0 {
		return 0, false, fmt.Errorf("invalid If-Match %q", value)
	}
	return rev, false, nil
}

func LastModified(r *Record) string {
	return time.Unix(r.UpdateAt, 0).UTC().Format(http.TimeFormat)
}
