package rest

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Snowflake ids carry their creation time in milliseconds since this epoch.
const snowflakeEpoch = 1420070400000

const (
	oldMessageAge = 14 * 24 * time.Hour
	newMessageAge = 10 * time.Second
)

// Route identifies the server-side bucket a request belongs to.
type Route struct {
	// Key is the normalized path template, for example
	// "/channels/:id/messages/:id".
	Key string

	// Major is the id following the first channels, guilds or webhooks
	// segment. Requests with the same Key and different Major parameters
	// are limited independently by the server.
	Major string
}

// Bucket returns the identity of the route's bucket.
func (r Route) Bucket() string {
	if r.Major == "" {
		return r.Key
	}
	return r.Key + "@" + r.Major
}

var majorSegments = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// RouteKey normalizes a request path into its route. now is used to place
// message deletions into their age band. A key that is already normalized
// (it does not start with "/") is returned unchanged, as is every
// normalized path.
func RouteKey(method, path string, now time.Time) Route {
	if !strings.HasPrefix(path, "/") {
		return Route{Key: path}
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	raw := append([]string(nil), segments...)
	var major string

	for i, seg := range segments {
		if seg == "" || strings.HasPrefix(seg, ":") {
			continue
		}
		switch {
		case i >= 1 && raw[i-1] == "reactions":
			segments[i] = ":emoji"
		case i >= 2 && raw[i-2] == "reactions":
			segments[i] = ":user"
		case isNumeric(seg):
			if major == "" && i >= 1 && majorSegments[raw[i-1]] {
				major = seg
			}
			segments[i] = ":id"
		case i >= 2 && raw[i-2] == "webhooks" && isNumeric(raw[i-1]):
			segments[i] = ":token"
		}
	}

	key := "/" + strings.Join(segments, "/")

	if method == http.MethodDelete && strings.HasSuffix(key, "/messages/:id") {
		key = deleteBand(raw[len(raw)-1], now) + key
	}
	if method == http.MethodPut || method == http.MethodDelete {
		if i := strings.Index(key, "/reactions"); i >= 0 {
			key = "MODIFY" + key[:i] + "/reactions"
		}
	}

	return Route{Key: key, Major: major}
}

// deleteBand returns the method prefix of a message deletion, which the
// server limits differently for very old and very new messages.
func deleteBand(messageID string, now time.Time) string {
	created, ok := snowflakeTime(messageID)
	if !ok {
		return http.MethodDelete
	}
	age := now.Sub(created)
	switch {
	case age >= oldMessageAge:
		return http.MethodDelete + "_OLD"
	case age <= newMessageAge:
		return http.MethodDelete + "_NEW"
	default:
		return http.MethodDelete
	}
}

func snowflakeTime(id string) (time.Time, bool) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(n>>22) + snowflakeEpoch), true
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
