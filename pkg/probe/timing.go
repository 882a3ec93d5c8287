package probe

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// serverTimingMetric is the Server-Timing metric name carrying the
// server-side request processing duration.
const serverTimingMetric = "cfRequestDuration"

// ParseServerTiming extracts the server-reported processing duration from a
// response's Server-Timing header, formatted as "cfRequestDuration;dur=<ms>".
//
// It returns 0 if the header is absent or malformed. This value only ever
// corrects a measured round trip downward, so a missing correction degrades
// precision but must not abort a measurement.
func ParseServerTiming(h http.Header) time.Duration {
	for _, value := range h.Values("Server-Timing") {
		for _, metric := range strings.Split(value, ",") {
			metric = strings.TrimSpace(metric)
			name, params, found := strings.Cut(metric, ";")
			if !found || strings.TrimSpace(name) != serverTimingMetric {
				continue
			}
			for _, param := range strings.Split(params, ";") {
				k, v, found := strings.Cut(strings.TrimSpace(param), "=")
				if !found || k != "dur" {
					continue
				}
				ms, err := strconv.ParseFloat(v, 64)
				if err != nil || ms < 0 {
					return 0
				}
				return time.Duration(ms * float64(time.Millisecond))
			}
		}
	}
	return 0
}
