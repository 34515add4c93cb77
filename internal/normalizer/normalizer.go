package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/event"
)

// Variant identifies a broker integration and its webhook payload shape.
type Variant string

const (
	UAZAPI    Variant = "uazapi"
	Evolution Variant = "evolution"
	Baileys   Variant = "baileys"
	CloudAPI  Variant = "cloudapi"
)

// ParseVariant maps a route parameter onto a known variant.
func ParseVariant(s string) (Variant, bool) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case UAZAPI, Evolution, Baileys, CloudAPI:
		return v, true
	}
	return "", false
}

// ErrNormalization is matched by every error a normalizer returns.
var ErrNormalization = errors.New("normalization failed")

var errEmptyArray = errors.New("empty array")

// Error describes why a payload could not be normalized. No partial event is
// ever returned alongside it.
type Error struct {
	Variant Variant
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize %s: %s: %v", e.Variant, e.Reason, e.Err)
	}
	return fmt.Sprintf("normalize %s: %s", e.Variant, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrNormalization }

func fail(v Variant, reason string, err error) error {
	return &Error{Variant: v, Reason: reason, Err: err}
}

// Adapter converts one broker's raw webhook body into a NormalizedEvent.
type Adapter interface {
	Variant() Variant
	Normalize(raw []byte) (event.NormalizedEvent, error)
}

// Registry dispatches raw payloads to the adapter for their variant.
type Registry struct {
	adapters map[Variant]Adapter
}

// NewRegistry builds a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Variant]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Variant()] = a
	}
	return r
}

// Default returns a registry with every supported broker. now stamps events
// whose payload carries no timestamp; nil means time.Now.
func Default(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return NewRegistry(
		&uazapiAdapter{now: now},
		&evolutionAdapter{now: now},
		&baileysAdapter{now: now},
		&cloudAPIAdapter{now: now},
	)
}

// Normalize translates raw into the canonical event for variant.
func (r *Registry) Normalize(v Variant, raw []byte) (event.NormalizedEvent, error) {
	a, ok := r.adapters[v]
	if !ok {
		return event.NormalizedEvent{}, fail(v, "unknown broker variant", nil)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return event.NormalizedEvent{}, fail(v, "empty payload", nil)
	}
	return a.Normalize(raw)
}

// flexTime accepts unix seconds, unix milliseconds (number or numeric string)
// and RFC 3339 strings, since brokers disagree on timestamp encoding.
type flexTime struct {
	time.Time
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		f.Time = fromUnix(n)
		return nil
	}
	if fl, err := strconv.ParseFloat(s, 64); err == nil {
		f.Time = fromUnix(int64(fl))
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("unrecognised timestamp %q", s)
	}
	f.Time = t
	return nil
}

func fromUnix(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func stamp(t flexTime, now func() time.Time) time.Time {
	if t.IsZero() {
		return now().UTC()
	}
	return t.Time
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// instanceStateKind maps a broker connection state onto connected or
// disconnected. ok is false for states no broker documents.
func instanceStateKind(state string) (event.Kind, bool) {
	switch strings.ToLower(state) {
	case "open", "connected", "qrreadsuccess":
		return event.KindInstanceConnected, true
	case "close", "closed", "disconnected", "connecting", "qrreaderror", "logout", "refused":
		return event.KindInstanceDisconnected, true
	}
	return "", false
}

func decode(v Variant, raw []byte, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return fail(v, "invalid JSON", err)
	}
	return nil
}
