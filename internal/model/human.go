// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"net/url"
	"os"
)

// URL is a url.URL which reads from and writes to plain text, so it can
// be used in YAML and environment variables. $VARS are expanded.
type URL struct {
	*url.URL
}

func (u URL) IsZero() bool {
	return u.URL == nil || u.URL.String() == ""
}

func (u URL) String() string {
	if u.URL == nil {
		return ""
	}
	return u.URL.String()
}

func (u *URL) UnmarshalText(text []byte) error {
	if u == nil {
		return errors.New("can't unmarshal to nil")
	}
	if len(text) == 0 {
		u.URL = nil
		return nil
	}
	parsed, err := url.Parse(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("url must have a scheme and a host, e.g. `https://example.test`")
	}
	u.URL = parsed
	return nil
}

func (u URL) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}
