package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Top-level document keys with a typed representation. Any other key found
// in the template or the persisted file is carried through untouched.
const (
	keyStatus       = "status"
	keyPrivateMode  = "private_mode"
	keyLastUpdated  = "last_updated"
	keyDeviceStatus = "device_status"
	keyAppHistory   = "app_history"
	keyHeartHistory = "heart_history"
	keyMetrics      = "metrics"
)

// Document is the single persisted state document.
type Document struct {
	Status       int                      `json:"status"`
	PrivateMode  bool                     `json:"private_mode"`
	LastUpdated  string                   `json:"last_updated"`
	DeviceStatus map[string]*DeviceStatus `json:"device_status"`
	AppHistory   map[string][]AppEvent    `json:"app_history"`
	HeartHistory map[string][]HeartSample `json:"heart_history"`
	Metrics      *VisitMetrics            `json:"metrics,omitempty"`

	// Extra holds top-level keys without a typed field.
	Extra map[string]json.RawMessage `json:"-"`
}

// DeviceStatus is the live state of one reporting device.
type DeviceStatus struct {
	ShowName       string    `json:"show_name"`
	Using          bool      `json:"using"`
	AppName        string    `json:"app_name"`
	Offline        bool      `json:"offline"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
	HeartUpdatedAt time.Time `json:"heart_updated_at,omitzero"`
}

// LastSeen returns the later of the two update timestamps.
func (d *DeviceStatus) LastSeen() time.Time {
	if d.HeartUpdatedAt.After(d.UpdatedAt) {
		return d.HeartUpdatedAt
	}
	return d.UpdatedAt
}

// AppEvent is one point-in-time app usage report. Time is kept as the raw
// ISO-8601 string so that malformed entries survive a load/save cycle.
type AppEvent struct {
	Time        string `json:"time"`
	AppName     string `json:"app_name"`
	AppNameOnly string `json:"app_name_only"`
	AppPkg      string `json:"app_pkg"`
	Using       bool   `json:"using"`
}

// HeartSample is one heart-rate reading.
type HeartSample struct {
	Time  string `json:"time"`
	Value int    `json:"value"`
}

// VisitMetrics holds request counters per path for the current day, month
// and year, plus all-time totals.
type VisitMetrics struct {
	TodayIs string         `json:"today_is"`
	MonthIs string         `json:"month_is"`
	YearIs  string         `json:"year_is"`
	Today   map[string]int `json:"today"`
	Month   map[string]int `json:"month"`
	Year    map[string]int `json:"year"`
	Total   map[string]int `json:"total"`
}

// NewDocument returns an empty document with all maps allocated.
func NewDocument() *Document {
	doc := &Document{}
	doc.ensureMaps()
	return doc
}

func (d *Document) ensureMaps() {
	if d.DeviceStatus == nil {
		d.DeviceStatus = make(map[string]*DeviceStatus)
	}
	if d.AppHistory == nil {
		d.AppHistory = make(map[string][]AppEvent)
	}
	if d.HeartHistory == nil {
		d.HeartHistory = make(map[string][]HeartSample)
	}
}

// documentFields mirrors Document without custom marshaling so the typed
// part can be encoded with the standard rules.
type documentFields struct {
	Status       int                      `json:"status"`
	PrivateMode  bool                     `json:"private_mode"`
	LastUpdated  string                   `json:"last_updated"`
	DeviceStatus map[string]*DeviceStatus `json:"device_status"`
	AppHistory   map[string][]AppEvent    `json:"app_history"`
	HeartHistory map[string][]HeartSample `json:"heart_history"`
	Metrics      *VisitMetrics            `json:"metrics,omitempty"`
}

// MarshalJSON writes typed fields and Extra keys into one object.
func (d Document) MarshalJSON() ([]byte, error) {
	typed, err := marshalRaw(documentFields{
		Status:       d.Status,
		PrivateMode:  d.PrivateMode,
		LastUpdated:  d.LastUpdated,
		DeviceStatus: d.DeviceStatus,
		AppHistory:   d.AppHistory,
		HeartHistory: d.HeartHistory,
		Metrics:      d.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return typed, nil
	}

	fields := make(map[string]json.RawMessage, len(d.Extra)+7)
	for k, v := range d.Extra {
		fields[k] = v
	}
	var typedFields map[string]json.RawMessage
	if err := json.Unmarshal(typed, &typedFields); err != nil {
		return nil, err
	}
	for k, v := range typedFields {
		fields[k] = v
	}
	return marshalRaw(fields)
}

// marshalRaw encodes v without HTML escaping so that stored text stays
// byte-for-byte what was reported.
func marshalRaw(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalJSON reads typed fields and keeps everything else in Extra.
func (d *Document) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("document is not a JSON object")
	}
	return d.fromFields(fields)
}

func (d *Document) fromFields(fields map[string]json.RawMessage) error {
	var typed documentFields
	extra := make(map[string]json.RawMessage)
	for k, v := range fields {
		var err error
		switch k {
		case keyStatus:
			err = json.Unmarshal(v, &typed.Status)
		case keyPrivateMode:
			err = json.Unmarshal(v, &typed.PrivateMode)
		case keyLastUpdated:
			err = json.Unmarshal(v, &typed.LastUpdated)
		case keyDeviceStatus:
			err = json.Unmarshal(v, &typed.DeviceStatus)
		case keyAppHistory:
			err = json.Unmarshal(v, &typed.AppHistory)
		case keyHeartHistory:
			err = json.Unmarshal(v, &typed.HeartHistory)
		case keyMetrics:
			err = json.Unmarshal(v, &typed.Metrics)
		default:
			extra[k] = v
		}
		if err != nil {
			return fmt.Errorf("decode %q: %w", k, err)
		}
	}

	*d = Document{
		Status:       typed.Status,
		PrivateMode:  typed.PrivateMode,
		LastUpdated:  typed.LastUpdated,
		DeviceStatus: typed.DeviceStatus,
		AppHistory:   typed.AppHistory,
		HeartHistory: typed.HeartHistory,
		Metrics:      typed.Metrics,
	}
	if len(extra) > 0 {
		d.Extra = extra
	}
	d.ensureMaps()
	for id, status := range d.DeviceStatus {
		if status == nil {
			delete(d.DeviceStatus, id)
		}
	}
	return nil
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() (*Document, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	out := &Document{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	return out, nil
}
