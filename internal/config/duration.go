package config

import "time"

// Duration lets the document write durations as "60s" or "10m" instead of
// a raw nanosecond count, via encoding.TextUnmarshaler/TextMarshaler.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
