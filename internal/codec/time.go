package codec

import (
	"fmt"
	"strconv"
	"time"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

// canonicalLayout is the single serialized form for every timestamp the
// engine emits: UTC, microsecond precision, explicit zone.
const canonicalLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp wraps time.Time to pin JSON serialization to the canonical
// layout. Inbound parsing accepts any RFC 3339 variant; outbound always
// emits the canonical form.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a canonical Timestamp.
func Now() Timestamp {
	return Timestamp{time.Now().UTC()}
}

// At wraps an existing time.
func At(t time.Time) Timestamp {
	return Timestamp{t.UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.UTC().Format(canonicalLayout))), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("%w: timestamp %s", domain.ErrMalformed, string(b))
	}
	parsed, err := parseRFC3339(s)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}

func parseRFC3339(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", domain.ErrMalformed, s)
}
