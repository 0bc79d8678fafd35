package dnsx

import (
	"testing"

	"github.com/postverk/postverk"
	"github.com/stretchr/testify/assert"
)

func TestDetectHint(t *testing.T) {
	tests := []struct {
		servers []string
		want    string
	}{
		{[]string{"aspmx.l.google.com:25", "alt1.aspmx.l.google.com:25"}, postverk.HintGmail},
		{[]string{"ASPMX.L.GOOGLE.COM:25"}, postverk.HintGmail},
		{[]string{"example-com.mail.protection.outlook.com:25"}, postverk.HintOutlook},
		{[]string{"mta5.am0.yahoodns.net:25"}, postverk.HintYahoo},
		{[]string{"mx1.privateemail.example:25"}, postverk.HintOther},
		{nil, postverk.HintOther},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectHint(tt.servers), "servers %v", tt.servers)
	}
}
