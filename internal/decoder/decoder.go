// Package decoder turns the upstream byte stream into typed domain events.
//
// Records are newline-delimited JSON objects. The upstream dialect sometimes uses
// single quotes as string delimiters; such records are repaired by rewriting every
// single quote to a double quote before a second parse attempt. The rewrite is not
// context aware and corrupts values containing apostrophes, so it only runs when
// strict parsing fails and can be switched off entirely.
package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pscheid92/stationrelay/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	delimiter = '\n'

	// DefaultMaxRecordSize bounds the re-assembly buffer.
	DefaultMaxRecordSize = 1 << 20
)

var (
	ErrMalformed         = errors.New("malformed record")
	ErrMissingIdentifier = errors.New("device record has no id")
	ErrMissingPayload    = errors.New("transaction record has no payload")
	ErrRecordTooLarge    = errors.New("record exceeds maximum size")
)

// DecodeError reports a dropped record.
type DecodeError struct {
	Record []byte
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Option configures a Decoder.
type Option func(*Decoder)

// WithQuoteRepair enables or disables the single-quote compatibility shim.
func WithQuoteRepair(enabled bool) Option {
	return func(d *Decoder) { d.repairQuotes = enabled }
}

// WithMaxRecordSize sets the largest record the decoder will buffer.
func WithMaxRecordSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxRecordSize = n
		}
	}
}

// Decoder is stateful only for re-assembly of records split across chunks.
// It is not safe for concurrent use.
type Decoder struct {
	pending       []byte
	discarding    bool
	repairQuotes  bool
	maxRecordSize int
}

func New(opts ...Option) *Decoder {
	d := &Decoder{
		repairQuotes:  true,
		maxRecordSize: DefaultMaxRecordSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed consumes a chunk and returns the events of every record completed by it,
// in order, along with one *DecodeError per dropped record. A trailing partial
// record is kept for the next call.
func (d *Decoder) Feed(chunk []byte) ([]domain.Event, []error) {
	var (
		events []domain.Event
		errs   []error
	)

	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, delimiter)
		if i < 0 {
			errs = d.buffer(chunk, errs)
			break
		}

		part := chunk[:i]
		chunk = chunk[i+1:]

		if d.discarding {
			// Tail of an oversized record; the delimiter ends it.
			d.discarding = false
			continue
		}

		record := part
		if len(d.pending) > 0 {
			record = append(d.pending, part...)
			d.pending = nil
		}

		if len(record) > d.maxRecordSize {
			errs = append(errs, &DecodeError{Record: truncate(record), Err: ErrRecordTooLarge})
			continue
		}

		event, err := d.decodeRecord(record)
		if err != nil {
			errs = append(errs, &DecodeError{Record: bytes.Clone(record), Err: err})
			continue
		}
		if event != nil {
			events = append(events, event)
		}
	}

	return events, errs
}

// Reset drops any partially buffered record.
func (d *Decoder) Reset() {
	d.pending = nil
	d.discarding = false
}

// Buffered returns the number of bytes waiting for a delimiter.
func (d *Decoder) Buffered() int {
	return len(d.pending)
}

func (d *Decoder) buffer(fragment []byte, errs []error) []error {
	if d.discarding {
		return errs
	}
	if len(d.pending)+len(fragment) > d.maxRecordSize {
		errs = append(errs, &DecodeError{Record: truncate(append(d.pending, fragment...)), Err: ErrRecordTooLarge})
		d.pending = nil
		d.discarding = true
		return errs
	}
	d.pending = append(d.pending, fragment...)
	return errs
}

// decodeRecord returns a nil event for blank lines.
func (d *Decoder) decodeRecord(record []byte) (domain.Event, error) {
	record = bytes.TrimSpace(record)
	if len(record) == 0 {
		return nil, nil
	}

	fields, err := d.parse(record)
	if err != nil {
		return nil, err
	}

	return classify(fields)
}

func (d *Decoder) parse(record []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	err := json.Unmarshal(record, &fields)
	if err == nil && fields != nil {
		return fields, nil
	}

	if d.repairQuotes && bytes.IndexByte(record, '\'') >= 0 {
		repaired := bytes.ReplaceAll(record, []byte{'\''}, []byte{'"'})
		fields = nil
		if rerr := json.Unmarshal(repaired, &fields); rerr == nil && fields != nil {
			return fields, nil
		}
	}

	if err == nil {
		err = errors.New("not an object")
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
}

func classify(fields map[string]json.RawMessage) (domain.Event, error) {
	var kind string
	if raw, ok := fields["tipo"]; ok {
		// A non-string discriminator is treated as unrecognised.
		_ = json.Unmarshal(raw, &kind)
	}

	switch kind {
	case domain.KindPriceUpdate:
		return decodePriceUpdate(fields)
	case domain.KindTransaction:
		return decodeTransaction(fields)
	default:
		return decodeDevice(fields)
	}
}

func decodePriceUpdate(fields map[string]json.RawMessage) (domain.Event, error) {
	var prices struct {
		Gasoline93 decimal.Decimal `json:"precio_93"`
		Gasoline95 decimal.Decimal `json:"precio_95"`
		Gasoline97 decimal.Decimal `json:"precio_97"`
		Diesel     decimal.Decimal `json:"precio_diesel"`
	}
	raw, ok := fields["precios"]
	if !ok || isNull(raw) {
		return nil, fmt.Errorf("%w: price update has no prices", ErrMalformed)
	}
	if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, fmt.Errorf("%w: prices: %v", ErrMalformed, err)
	}

	event := domain.PriceUpdateEvent{
		Prices: domain.PriceSet{
			Gasoline93: prices.Gasoline93,
			Gasoline95: prices.Gasoline95,
			Gasoline97: prices.Gasoline97,
			Diesel:     prices.Diesel,
		},
	}

	if raw, ok := fields["nombre_estacion"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &event.StationName); err != nil {
			return nil, fmt.Errorf("%w: nombre_estacion: %v", ErrMalformed, err)
		}
	}

	return event, nil
}

func decodeTransaction(fields map[string]json.RawMessage) (domain.Event, error) {
	raw, ok := fields["transaccion"]
	if !ok || isNull(raw) {
		return nil, ErrMissingPayload
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, fmt.Errorf("%w: transaction payload is not structured", ErrMalformed)
	}
	return domain.TransactionRelayEvent{Payload: bytes.Clone(trimmed)}, nil
}

func decodeDevice(fields map[string]json.RawMessage) (domain.Event, error) {
	id, err := identifier(fields["id"])
	if err != nil {
		return nil, err
	}

	var record struct {
		Name       string          `json:"nombre"`
		Status     string          `json:"estado"`
		Gasoline93 decimal.Decimal `json:"precio_93"`
		Gasoline95 decimal.Decimal `json:"precio_95"`
		Gasoline97 decimal.Decimal `json:"precio_97"`
		Diesel     decimal.Decimal `json:"precio_diesel"`
	}
	for key, dst := range map[string]any{
		"nombre":        &record.Name,
		"estado":        &record.Status,
		"precio_93":     &record.Gasoline93,
		"precio_95":     &record.Gasoline95,
		"precio_97":     &record.Gasoline97,
		"precio_diesel": &record.Diesel,
	} {
		raw, ok := fields[key]
		if !ok || isNull(raw) {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
		}
	}

	return domain.DeviceStateEvent{
		Device: domain.DeviceState{
			ID:     id,
			Name:   record.Name,
			Status: record.Status,
			Prices: domain.PriceQuote{
				Gasoline93: record.Gasoline93,
				Gasoline95: record.Gasoline95,
				Gasoline97: record.Gasoline97,
				Diesel:     record.Diesel,
			},
		},
	}, nil
}

// identifier normalises numeric and string ids to the same key.
func identifier(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || isNull(raw) {
		return "", ErrMissingIdentifier
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", ErrMissingIdentifier
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: id must be a string or number", ErrMalformed)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func truncate(record []byte) []byte {
	const keep = 256
	if len(record) > keep {
		return bytes.Clone(record[:keep])
	}
	return bytes.Clone(record)
}
