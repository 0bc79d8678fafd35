package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/postverk/postverk"
	"github.com/postverk/postverk/internal/dao"
	"github.com/postverk/postverk/internal/limiter"
	"github.com/postverk/postverk/tools"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWebDB struct {
	dao.DAO

	settings   dao.OrgSettings
	messages   []dao.Message
	recipients []dao.Recipient
}

func (f *fakeWebDB) GetOrgSettings(orgID string) (*dao.OrgSettings, error) {
	s := f.settings
	return &s, nil
}

func (f *fakeWebDB) AddMessage(message dao.Message) error {
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeWebDB) AddRecipient(recipient dao.Recipient) error {
	f.recipients = append(f.recipients, recipient)
	return nil
}

type fakeWebSpooler struct {
	enqueued []postverk.SendJob
}

func (f *fakeWebSpooler) Enqueue(job postverk.SendJob) error {
	f.enqueued = append(f.enqueued, job)
	return nil
}
func (f *fakeWebSpooler) Start() <-chan postverk.SendJob { return nil }
func (f *fakeWebSpooler) Requeue(postverk.SendJob) error { return nil }
func (f *fakeWebSpooler) Succeed(string) error           { return nil }
func (f *fakeWebSpooler) Fail(string) error              { return nil }
func (f *fakeWebSpooler) Stop(context.Context) error     { return nil }

func testServer(db *fakeWebDB, spooler *fakeWebSpooler) *Server {
	lc := tools.LoggerCloner(logrus.New())
	return &Server{
		log:     lc.New("web"),
		db:      db,
		spooler: spooler,
		lim:     limiter.New(limiter.NewMemoryStore(), lc),
	}
}

func post(t *testing.T, handler echo.HandlerFunc, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/send", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler(c)
	if err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestSendEnqueuesOneJobPerRecipient(t *testing.T) {
	db := &fakeWebDB{}
	spooler := &fakeWebSpooler{}
	s := testServer(db, spooler)

	rec := post(t, s.send, `{
		"org_id": "org_1",
		"subject": "hello",
		"body": "hi",
		"identity_name": "Sender",
		"recipients": ["a@example.com", "b@example.com"]
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.MessageID)
	assert.Len(t, resp.JobIDs, 2)

	require.Len(t, db.messages, 1)
	assert.Equal(t, "hello", db.messages[0].Subject)
	assert.False(t, db.messages[0].CustomDisplayName.Valid)

	require.Len(t, db.recipients, 2)
	require.Len(t, spooler.enqueued, 2)
	assert.Equal(t, db.recipients[0].ID, spooler.enqueued[0].RecipientID)
	assert.Equal(t, resp.MessageID, spooler.enqueued[0].MessageID)
}

func TestSendCarriesCustomDisplayName(t *testing.T) {
	db := &fakeWebDB{}
	s := testServer(db, &fakeWebSpooler{})

	rec := post(t, s.send, `{
		"org_id": "org_1",
		"identity_name": "Sender",
		"custom_display_name": "Support",
		"recipients": ["a@example.com"]
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, db.messages, 1)
	assert.Equal(t, "Support", db.messages[0].CustomDisplayName.String)
	assert.True(t, db.messages[0].CustomDisplayName.Valid)
}

func TestSendRejectsInvalidRecipient(t *testing.T) {
	db := &fakeWebDB{}
	spooler := &fakeWebSpooler{}
	s := testServer(db, spooler)

	rec := post(t, s.send, `{
		"org_id": "org_1",
		"recipients": ["not an address"]
	}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, db.messages)
	assert.Empty(t, spooler.enqueued)
}

func TestSendRequiresOrgAndRecipients(t *testing.T) {
	s := testServer(&fakeWebDB{}, &fakeWebSpooler{})

	rec := post(t, s.send, `{"recipients": ["a@example.com"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, s.send, `{"org_id": "org_1", "recipients": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendRequiresAPIKeyWhenConfigured(t *testing.T) {
	db := &fakeWebDB{settings: dao.OrgSettings{OrgID: "org_1", APIKey: "sekrit"}}
	spooler := &fakeWebSpooler{}
	s := testServer(db, spooler)

	body := `{"org_id": "org_1", "recipients": ["a@example.com"]}`

	rec := post(t, s.send, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, spooler.enqueued)

	rec = post(t, s.send, body, echo.HeaderAuthorization, "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, s.send, body, echo.HeaderAuthorization, "Bearer sekrit")
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Len(t, spooler.enqueued, 1)
}

func TestAuthorizeClearsFailuresOnSuccess(t *testing.T) {
	db := &fakeWebDB{settings: dao.OrgSettings{OrgID: "org_1", APIKey: "sekrit"}}
	s := testServer(db, &fakeWebSpooler{})

	body := `{"org_id": "org_1", "recipients": ["a@example.com"]}`

	for i := 0; i < limiter.LoginPoints; i++ {
		rec := post(t, s.send, body, echo.HeaderAuthorization, "Bearer wrong")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := post(t, s.send, body, echo.HeaderAuthorization, "Bearer sekrit")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// The success emptied the failure window, so the next bad key is a plain
	// 401 instead of a block.
	rec = post(t, s.send, body, echo.HeaderAuthorization, "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendThrottlesPerOrg(t *testing.T) {
	s := testServer(&fakeWebDB{}, &fakeWebSpooler{})

	body := `{"org_id": "org_1", "recipients": ["a@example.com"]}`
	var last *httptest.ResponseRecorder
	for i := 0; i < limiter.APIPointsPerMinute+1; i++ {
		last = post(t, s.send, body)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}
