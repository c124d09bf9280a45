package connector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/punchsync/internal/punch"
)

// wireRecord is the JSON shape relays emit. Relays in front of ZKTeco
// terminals report the raw punch code; others report the kind directly.
type wireRecord struct {
	DeviceUserID json.RawMessage `json:"device_user_id"`
	UserID       json.RawMessage `json:"user_id"`
	EventType    string          `json:"event_type"`
	Punch        *int            `json:"punch"`
	Timestamp    json.RawMessage `json:"timestamp"`
	ID           string          `json:"id"`
}

// decoder turns relay JSON into records.
type decoder struct {
	brand      string
	loc        *time.Location
	classifier *punch.Classifier
}

// DecodeRecord parses one relay record of dev. Naive timestamps are read in loc.
func DecodeRecord(data []byte, dev punch.Device, loc *time.Location, classifier *punch.Classifier) (Record, error) {
	if classifier == nil {
		classifier = punch.NewClassifier(nil)
	}
	if loc == nil {
		loc = time.UTC
	}
	return decoder{brand: dev.Brand, loc: loc, classifier: classifier}.decode(data)
}

func (d decoder) decode(data []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}

	rawUser := w.DeviceUserID
	if len(rawUser) == 0 {
		rawUser = w.UserID
	}
	user, err := punch.FlexString(rawUser)
	if err != nil || user == "" {
		return Record{}, fmt.Errorf("decode record: missing user id")
	}

	ts, err := punch.ParseTimestamp(w.Timestamp, d.loc)
	if err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}

	rec := Record{
		DeviceUserID: user,
		Timestamp:    ts,
		ExternalID:   w.ID,
		Raw:          string(bytes.TrimSpace(data)),
	}
	switch {
	case w.EventType != "":
		kind, err := punch.ParseEventKind(w.EventType)
		if err != nil {
			return Record{}, fmt.Errorf("decode record: %w", err)
		}
		rec.Kind = kind
	case w.Punch != nil:
		rec.Code = w.Punch
		rec.Kind = d.classifier.Classify(d.brand, *w.Punch)
	default:
		rec.Kind = punch.KindUnknown
	}
	return rec, nil
}
