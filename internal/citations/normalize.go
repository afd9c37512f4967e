package citations

import (
	"net/url"
	"sort"
	"strings"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runfs"
)

// droppedQueryParams are tracking parameters removed during normalization.
var droppedQueryParams = map[string]bool{
	"gclid":  true,
	"fbclid": true,
}

func droppedParam(key string) bool {
	return droppedQueryParams[key] || strings.HasPrefix(key, "utm_")
}

// Normalize canonicalizes a URL: lowercase host, default port dropped,
// trailing slash stripped (except the root path), tracking params removed,
// remaining query re-encoded with sorted keys. Only http and https are
// accepted. Normalize is idempotent.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", coreerr.Wrap(coreerr.CodeInvalidArgs, err, "parse url %q", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", coreerr.New(coreerr.CodeInvalidArgs, "unsupported scheme %q in %q", u.Scheme, raw)
	}
	u.Scheme = scheme

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		if droppedParam(k) {
			delete(q, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var enc strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if enc.Len() > 0 {
				enc.WriteByte('&')
			}
			enc.WriteString(url.QueryEscape(k))
			enc.WriteByte('=')
			enc.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = enc.String()
	u.Fragment = ""
	return u.String(), nil
}

// CID returns the content-addressed citation id for a normalized URL.
func CID(normalized string) string {
	return "cid_" + runfs.HexSHA256(normalized)
}

// sensitiveQueryKeys get their values replaced on redaction.
var sensitiveQueryKeys = map[string]bool{
	"token": true, "key": true, "apikey": true, "api_key": true,
	"secret": true, "password": true, "auth": true, "access_token": true,
	"sig": true, "signature": true, "session": true,
}

// Redact removes userinfo and replaces sensitive query values with
// [REDACTED]. Every URL persisted in a citation record passes through it.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	q := u.Query()
	changed := false
	for k := range q {
		if sensitiveQueryKeys[strings.ToLower(k)] {
			q[k] = []string{"[REDACTED]"}
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// HasUserinfo reports whether the URL embeds credentials.
func HasUserinfo(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.User != nil
}
