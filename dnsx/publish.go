package dnsx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
)

// Publisher upserts TXT records at a managed DNS provider. Implementations
// exist for Cloudflare-style HTTP APIs and for manual operation, where the
// record text is handed back to the operator instead.

var ErrManualPublish = errors.New("manual publication required")

type Publisher interface {
	UpsertTXT(zoneRef, name, content string) error
}

type ManualPublisher struct{}

func (ManualPublisher) UpsertTXT(zoneRef, name, content string) error {
	return fmt.Errorf("%w: add TXT record %s = %q", ErrManualPublish, name, content)
}

type CloudflarePublisher struct {
	Token  string
	ZoneID string // default zone when the domain carries no zone ref

	HTTP *http.Client
	log  *logrus.Logger

	// BaseURL is overridable for tests.
	BaseURL string
}

func NewCloudflarePublisher(token, zoneID string, lc *tools.Logger) *CloudflarePublisher {
	return &CloudflarePublisher{
		Token:   token,
		ZoneID:  zoneID,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		log:     lc.New("dns-publish"),
		BaseURL: "https://api.cloudflare.com/client/v4",
	}
}

type cfRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
}

type cfResponse struct {
	Success bool       `json:"success"`
	Result  []cfRecord `json:"result"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (p *CloudflarePublisher) UpsertTXT(zoneRef, name, content string) error {
	zone := zoneRef
	if zone == "" {
		zone = p.ZoneID
	}
	if p.Token == "" || zone == "" {
		return errors.New("cloudflare credentials not configured")
	}

	// Look for an existing record first, then create or update.
	listURL := fmt.Sprintf("%s/zones/%s/dns_records?name=%s&type=TXT", p.BaseURL, zone, name)
	var listing cfResponse
	err := p.do(http.MethodGet, listURL, nil, &listing)
	if err != nil {
		return fmt.Errorf("could not list txt records for %s: %w", name, err)
	}

	method := http.MethodPost
	url := fmt.Sprintf("%s/zones/%s/dns_records", p.BaseURL, zone)
	if len(listing.Result) > 0 {
		method = http.MethodPut
		url = fmt.Sprintf("%s/%s", url, listing.Result[0].ID)
	}

	body, err := json.Marshal(cfRecord{Type: "TXT", Name: name, Content: content, TTL: 3600})
	if err != nil {
		return err
	}

	var upsert cfResponse
	err = p.do(method, url, body, &upsert)
	if err != nil {
		return fmt.Errorf("could not upsert txt record %s: %w", name, err)
	}
	if !upsert.Success {
		msg := "unknown error"
		if len(upsert.Errors) > 0 {
			msg = upsert.Errors[0].Message
		}
		return fmt.Errorf("cloudflare rejected upsert of %s: %s", name, msg)
	}

	p.log.WithField("name", name).Info("txt record published")
	return nil
}

func (p *CloudflarePublisher) do(method, url string, body []byte, out *cfResponse) error {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(out)
}
