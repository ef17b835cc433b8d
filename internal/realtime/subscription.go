package realtime

import (
	"net/http"
	"strconv"

	"github.com/mbd888/urlsentry/internal/verdict"
)

func validSubscription(s Subscription) bool {
	if s.MinScore < 0 || s.MinScore > 1 {
		return false
	}
	for _, l := range s.Levels {
		if !l.Valid() {
			return false
		}
	}
	return true
}

// subscriptionFromQuery reads repeated level= and a single minScore= parameter.
func subscriptionFromQuery(r *http.Request) (Subscription, bool) {
	q := r.URL.Query()
	var sub Subscription
	for _, l := range q["level"] {
		sub.Levels = append(sub.Levels, verdict.Level(l))
	}
	if raw := q.Get("minScore"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Subscription{}, false
		}
		sub.MinScore = v
	}
	return sub, validSubscription(sub)
}
