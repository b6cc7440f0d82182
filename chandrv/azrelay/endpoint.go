package azrelay

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// Endpoint is a parsed relay service URL: either an azure storage
// account or a local emulator, plus whatever shared-key credential was
// resolved from the URL or the environment.
type Endpoint struct {
	URL     *url.URL
	Account string
	Key     string
	IsAzure bool
}

// ParseSAS extracts the handshake and token SAS strings a dialer without
// an account key embeds in its connection URL.
func (e *Endpoint) ParseSAS(cfg *Config) (string, string, error) {
	query, err := url.ParseQuery(e.URL.RawQuery)
	if err != nil {
		return "", "", ErrInvalidSASEncoding
	}
	hEnc := query.Get(cfg.handshakeEndpoint)
	tEnc := query.Get(cfg.tokenEndpoint)
	if hEnc == "" || tEnc == "" {
		return "", "", ErrMissingSAS
	}
	hSAS, err := base64.URLEncoding.DecodeString(hEnc)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidSASEncoding, err)
	}
	tSAS, err := base64.URLEncoding.DecodeString(tEnc)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidSASEncoding, err)
	}
	return string(hSAS), string(tSAS), nil
}

func NewEndpoint(u *url.URL) *Endpoint {
	ep := &Endpoint{URL: u}

	hostOnly := u.Host
	if h, _, err := net.SplitHostPort(u.Host); err == nil {
		hostOnly = h
	}
	ep.IsAzure = strings.HasSuffix(strings.ToLower(hostOnly), ".core.windows.net")

	if u.User.Username() != "" {
		ep.Account = u.User.Username()
	} else if ep.IsAzure {
		ep.Account = strings.Split(hostOnly, ".")[0]
	} else {
		path := strings.Trim(u.Path, "/")
		if path != "" {
			ep.Account = strings.Split(path, "/")[0]
		}
	}

	if ep.Account == "" {
		ep.Account = os.Getenv("AZURE_STORAGE_ACCOUNT")
	}
	if key, ok := u.User.Password(); ok {
		ep.Key = key
	} else {
		ep.Key = os.Getenv("AZURE_STORAGE_ACCOUNT_KEY")
	}
	return ep
}

func (e *Endpoint) BuildConnURL(cfg *Config, hSAS, tSAS string) string {
	hEnc := base64.URLEncoding.EncodeToString([]byte(hSAS))
	tEnc := base64.URLEncoding.EncodeToString([]byte(tSAS))

	u := &url.URL{Scheme: e.URL.Scheme, Host: e.URL.Host}
	if !e.IsAzure {
		u.Path = "/" + e.Account
	}
	q := u.Query()
	q.Set(cfg.handshakeEndpoint, hEnc)
	q.Set(cfg.tokenEndpoint, tEnc)
	u.RawQuery = q.Encode()
	return u.String()
}

func (e *Endpoint) ServiceURL() string {
	if e.IsAzure {
		return e.URL.Scheme + "://" + e.URL.Host
	}
	return e.URL.Scheme + "://" + e.URL.Host + "/" + e.Account
}

func (e *Endpoint) JoinURL(resource, sas string) string {
	base := e.ServiceURL()
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u := base + resource
	if sas != "" {
		if !strings.HasPrefix(sas, "?") {
			u += "?"
		}
		u += sas
	}
	return u
}
