package dnsx

import (
	"strings"

	"github.com/modfin/henry/slicez"
	"github.com/postverk/postverk"
)

// DetectHint classifies a destination's receiving infrastructure by its MX
// hostnames. Statistics and the per-destination semaphore key off this
// bucket, not the individual exchanger.
func DetectHint(servers []string) string {
	exchanges := slicez.Map(servers, strings.ToLower)

	contains := func(needles ...string) bool {
		return slicez.ContainsBy(exchanges, func(e string) bool {
			for _, n := range needles {
				if strings.Contains(e, n) {
					return true
				}
			}
			return false
		})
	}

	switch {
	case contains("google.com", "googlemail.com"):
		return postverk.HintGmail
	case contains("outlook.com", "protection.outlook.com"):
		return postverk.HintOutlook
	case contains("yahoodns.net", "yahoo.com"):
		return postverk.HintYahoo
	}
	return postverk.HintOther
}
