package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/punchsync/internal/pipeline"
	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/store"
)

// Header names of the push protocol.
const (
	DeviceKeyHeader = "X-Device-Key"
	SignatureHeader = "X-Signature"
)

// StatusRejected marks a batch entry that failed validation.
const StatusRejected = "rejected"

// Rejection reasons, used as the metric label.
const (
	rejectAuth      = "auth"
	rejectSignature = "signature"
	rejectRate      = "rate_limited"
	rejectMalformed = "malformed"
	rejectTolerance = "out_of_tolerance"
)

// pushEvent is one punch in a push body.
type pushEvent struct {
	DeviceUserID    json.RawMessage `json:"device_user_id"`
	EventType       string          `json:"event_type"`
	Timestamp       json.RawMessage `json:"timestamp"`
	ExternalEventID json.RawMessage `json:"external_event_id"`
}

// PushResult is the outcome of one entry of a batch push.
type PushResult struct {
	Status     string `json:"status"`
	EventID    string `json:"event_id,omitempty"`
	Processed  bool   `json:"processed"`
	EmployeeID string `json:"employee_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BatchResponse answers a batch push with one result per event, in order.
type BatchResponse struct {
	Results []PushResult `json:"results"`
}

// validationError is a rejected event, stored as an ingestion error.
type validationError struct {
	reason string
	err    error
}

func (e *validationError) Error() string { return e.err.Error() }

func malformed(format string, args ...any) *validationError {
	return &validationError{reason: rejectMalformed, err: fmt.Errorf(format, args...)}
}

// authenticate resolves the device of a request from its key header.
func (srv *Server) authenticate(r *http.Request) (punch.Device, error) {
	key := strings.TrimSpace(r.Header.Get(DeviceKeyHeader))
	if key == "" {
		return punch.Device{}, unauthorized(errors.New("missing device key"))
	}
	dev, err := srv.deps.Store.DeviceByAPIKey(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		return dev, unauthorized(errors.New("invalid device key"))
	}
	if err != nil {
		return dev, err
	}
	if !dev.Active && dev.DeactivatedBy == punch.DeactivatedByAdmin {
		return dev, unauthorized(errors.New("device is deactivated"))
	}
	return dev, nil
}

// verifySignature checks the body HMAC. A device with a secret must sign
// when the policy requires it; a signature without a secret never verifies.
func (srv *Server) verifySignature(dev punch.Device, signature string, body []byte) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		if dev.HasSigningSecret() && srv.cfg.Ingest.RequireSignature {
			return unauthorized(errors.New("signature required"))
		}
		return nil
	}
	if !dev.HasSigningSecret() {
		return unauthorized(errors.New("device has no signing secret"))
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return unauthorized(errors.New("invalid signature"))
	}
	mac := hmac.New(sha256.New, []byte(dev.SigningSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return unauthorized(errors.New("invalid signature"))
	}
	return nil
}

// Sign returns the X-Signature value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (srv *Server) rejectAuth(w http.ResponseWriter, r *http.Request, reason string, err error) {
	srv.deps.Metrics.PushRejected(reason)
	srv.log.Warn("push rejected", "reason", reason, "remote", r.RemoteAddr, "err", err)
	srv.fail(w, r, err)
}

// touch refreshes last contact, reactivating a silenced device.
func (srv *Server) touch(ctx context.Context, dev punch.Device) (store.Contact, error) {
	contact, err := srv.deps.Store.TouchDevice(ctx, dev.ID, srv.clock.Now())
	if err != nil {
		return contact, err
	}
	if contact.Reactivated {
		srv.log.Info("device reactivated", "device", dev.ID, "silent_for", contact.Gap)
	}
	return contact, nil
}

// location is the zone naive timestamps are read in: the device's, else its organization's.
func (srv *Server) location(ctx context.Context, dev punch.Device) *time.Location {
	if dev.Timezone != "" {
		return punch.LoadLocation(dev.Timezone)
	}
	org, err := srv.deps.Store.GetOrganization(ctx, dev.OrgID)
	if err != nil {
		srv.log.Warn("organization lookup failed, reading timestamps as UTC", "device", dev.ID, "err", err)
		return time.UTC
	}
	return org.Location()
}

func (srv *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	dev, err := srv.authenticate(r)
	if err != nil {
		srv.rejectAuth(w, r, rejectAuth, err)
		return
	}
	if !srv.limiter.Allow(dev.ID) {
		srv.deps.Metrics.PushRejected(rejectRate)
		writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := srv.readBody(w, r)
	if err != nil {
		srv.deps.Metrics.PushRejected(rejectMalformed)
		srv.fail(w, r, err)
		return
	}
	if err := srv.verifySignature(dev, r.Header.Get(SignatureHeader), body); err != nil {
		srv.rejectAuth(w, r, rejectSignature, err)
		return
	}

	ctx := r.Context()
	if _, err := srv.touch(ctx, dev); err != nil {
		srv.fail(w, r, err)
		return
	}

	events, batch, err := srv.decodePush(body)
	if err != nil {
		srv.reject(ctx, dev, body, err)
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	loc := srv.location(ctx, dev)

	if !batch {
		ev, err := srv.toEvent(dev, events[0], loc)
		if err != nil {
			srv.reject(ctx, dev, body, err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		out, err := srv.deps.Pipeline.Ingest(ctx, ev)
		if err != nil {
			srv.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	resp := BatchResponse{Results: make([]PushResult, 0, len(events))}
	for _, raw := range events {
		ev, err := srv.toEvent(dev, raw, loc)
		if err != nil {
			srv.reject(ctx, dev, raw, err)
			resp.Results = append(resp.Results, PushResult{Status: StatusRejected, Error: err.Error()})
			continue
		}
		out, err := srv.deps.Pipeline.Ingest(ctx, ev)
		if err != nil {
			srv.fail(w, r, err)
			return
		}
		resp.Results = append(resp.Results, resultOf(out))
	}
	writeJSON(w, http.StatusOK, resp)
}

func resultOf(out pipeline.Outcome) PushResult {
	return PushResult{
		Status:     string(out.Status),
		EventID:    out.EventID,
		Processed:  out.Processed,
		EmployeeID: out.EmployeeID,
	}
}

func (srv *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := srv.cfg.Ingest.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &RequestError{StatusCode: http.StatusRequestEntityTooLarge, Err: fmt.Errorf("body exceeds %d bytes", limit)}
		}
		return nil, badRequest(fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

// decodePush splits a push body into raw events. batch reports whether the
// body used the {"events": [...]} envelope.
func (srv *Server) decodePush(body []byte) (events []json.RawMessage, batch bool, err error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, false, malformed("invalid JSON body: %v", err)
	}
	rawEvents, ok := envelope["events"]
	if !ok {
		return []json.RawMessage{json.RawMessage(bytes.TrimSpace(body))}, false, nil
	}
	if err := json.Unmarshal(rawEvents, &events); err != nil {
		return nil, true, malformed("events must be an array: %v", err)
	}
	if len(events) == 0 {
		return nil, true, malformed("events is empty")
	}
	if limit := srv.cfg.Ingest.MaxBatch; limit > 0 && len(events) > limit {
		return nil, true, malformed("batch of %d events exceeds limit %d", len(events), limit)
	}
	return events, true, nil
}

// toEvent validates one pushed punch and converts it to a raw event.
func (srv *Server) toEvent(dev punch.Device, raw json.RawMessage, loc *time.Location) (punch.RawPunchEvent, error) {
	var pe pushEvent
	if err := json.Unmarshal(raw, &pe); err != nil {
		return punch.RawPunchEvent{}, malformed("invalid event: %v", err)
	}
	user, err := punch.FlexString(pe.DeviceUserID)
	if err != nil {
		return punch.RawPunchEvent{}, malformed("device_user_id: %v", err)
	}
	if user == "" {
		return punch.RawPunchEvent{}, malformed("device_user_id is required")
	}
	kind, err := punch.ParseEventKind(pe.EventType)
	if err != nil {
		return punch.RawPunchEvent{}, malformed("event_type: %v", err)
	}
	ts, err := punch.ParseTimestamp(pe.Timestamp, loc)
	if err != nil {
		return punch.RawPunchEvent{}, malformed("timestamp: %v", err)
	}
	if err := srv.checkTolerance(ts); err != nil {
		return punch.RawPunchEvent{}, err
	}
	external, err := punch.FlexString(pe.ExternalEventID)
	if err != nil {
		return punch.RawPunchEvent{}, malformed("external_event_id: %v", err)
	}

	return punch.RawPunchEvent{
		OrgID:           dev.OrgID,
		DeviceID:        dev.ID,
		DeviceUserID:    user,
		Kind:            kind,
		Timestamp:       ts,
		ExternalEventID: external,
		Source:          punch.SourcePush,
		Payload:         string(bytes.TrimSpace(raw)),
	}, nil
}

// checkTolerance bounds a timestamp by clock skew into the future and by
// max age into the past.
func (srv *Server) checkTolerance(ts time.Time) error {
	now := srv.clock.Now()
	if ts.After(now.Add(srv.cfg.Ingest.ClockSkew)) {
		return &validationError{reason: rejectTolerance, err: fmt.Errorf("timestamp %s is in the future", ts.Format(time.RFC3339))}
	}
	if age := srv.cfg.Ingest.MaxAge; age > 0 && ts.Before(now.Add(-age)) {
		return &validationError{reason: rejectTolerance, err: fmt.Errorf("timestamp %s is older than %s", ts.Format(time.RFC3339), age)}
	}
	return nil
}

// reject records a payload that failed validation.
func (srv *Server) reject(ctx context.Context, dev punch.Device, payload []byte, err error) {
	reason := rejectMalformed
	var ve *validationError
	if errors.As(err, &ve) {
		reason = ve.reason
	}
	srv.deps.Metrics.PushRejected(reason)
	srv.log.Info("push event rejected", "device", dev.ID, "reason", reason, "err", err)

	rec := punch.IngestionError{
		DeviceID:  dev.ID,
		Reason:    err.Error(),
		Payload:   string(payload),
		CreatedAt: srv.clock.Now(),
	}
	if err := srv.deps.Store.RecordIngestionError(ctx, rec); err != nil {
		srv.log.Error("failed to record ingestion error", "device", dev.ID, "err", err)
	}
}

func (srv *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	dev, err := srv.authenticate(r)
	if err != nil {
		srv.rejectAuth(w, r, rejectAuth, err)
		return
	}
	contact, err := srv.touch(r.Context(), dev)
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"device_id":   dev.ID,
		"reactivated": contact.Reactivated,
	})
}
