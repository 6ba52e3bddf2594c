package doctype

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/query"
	"github.com/AvengeMedia/pimsearch/internal/store"
	"github.com/AvengeMedia/pimsearch/internal/translate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartMessage = "From: Ann Smith <ann@example.com>\r\n" +
	"To: bob@example.com, Carol <carol@example.com>\r\n" +
	"Subject: =?UTF-8?q?Quarterly_R=C3=A9sum=C3=A9?=\r\n" +
	"Date: Tue, 03 Mar 2020 10:00:00 +0000\r\n" +
	"Message-Id: <abc123@example.com>\r\n" +
	"Organization: Acme\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"Numbers attached, see the spread=\r\nsheet.\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=q1.pdf\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0=\r\n" +
	"--XYZ--\r\n"

func TestEmail_Extract(t *testing.T) {
	doc := index.NewDocument(1, 7)
	item := store.Item{ID: 1, Collection: 7, Payload: []byte(multipartMessage), Flags: []string{`\Seen`}}
	require.NoError(t, Email().Extract(item, doc))

	terms := doc.Terms()
	assert.Contains(t, terms, "SU^")
	assert.Contains(t, terms, "SUquarterly")
	assert.Contains(t, terms, "SUresume")
	assert.Contains(t, terms, "Fann")
	assert.Contains(t, terms, "TOcarol")
	assert.Contains(t, terms, "Oacme")
	assert.Contains(t, terms, "BOspreadsheet")
	assert.Contains(t, terms, "spreadsheet")

	flags := doc.Flags()
	assert.Contains(t, flags, "C7")
	assert.Contains(t, flags, "R")
	assert.Contains(t, flags, "NI")
	assert.Contains(t, flags, "ATT")
	assert.Contains(t, flags, "NE")
	assert.Contains(t, flags, "MIabc123@example.com")
	assert.Contains(t, flags, "DY2020")
	assert.Contains(t, flags, "DM03")
	assert.Contains(t, flags, "DD03")

	date, ok := doc.Value(EmailSlotDate)
	require.True(t, ok)
	assert.Equal(t, time.Date(2020, 3, 3, 10, 0, 0, 0, time.UTC).Unix(), date)
	onlyDate, ok := doc.Value(EmailSlotOnlyDate)
	require.True(t, ok)
	assert.Equal(t, time.Date(2020, 3, 3, 0, 0, 0, 0, time.UTC).Unix(), onlyDate)
	size, ok := doc.Value(EmailSlotSize)
	require.True(t, ok)
	assert.Equal(t, int64(len(multipartMessage)), size)

	var data map[string]string
	require.NoError(t, json.Unmarshal([]byte(doc.Data()), &data))
	assert.Equal(t, "Quarterly Résumé", data["subject"])
	assert.Equal(t, "2020-03-03T10:00:00Z", data["date"])
}

func TestEmail_ExtractHTMLOnly(t *testing.T) {
	msg := "Subject: hi\r\nContent-Type: text/html\r\n\r\n<p>Hello <b>there</b></p>"
	doc := index.NewDocument(2, 1)
	mtime := time.Date(2021, 5, 6, 0, 0, 0, 0, time.UTC)
	require.NoError(t, Email().Extract(store.Item{ID: 2, Payload: []byte(msg), ModTime: mtime}, doc))

	assert.Contains(t, doc.Terms(), "BOthere")
	assert.Contains(t, doc.Flags(), "NR")
	assert.Contains(t, doc.Flags(), "DY2021")
}

func TestEmail_ExtractRejectsGarbage(t *testing.T) {
	doc := index.NewDocument(3, 1)
	assert.Error(t, Email().Extract(store.Item{ID: 3, Payload: []byte("no headers here")}, doc))
}

func TestEmail_FlagTerms(t *testing.T) {
	add, remove := Email().FlagTerms([]string{`\Seen`, "$Unknown"}, []string{`\Flagged`})
	assert.ElementsMatch(t, []string{"R", "NI"}, add)
	assert.ElementsMatch(t, []string{"NR", "I"}, remove)
}

func TestContact_Extract(t *testing.T) {
	payload := `
uid = "c-1"
name = "Ann Smith"
nick = "annie"
emails = ["ann@example.com"]
organization = "Acme"
note = "met at the conference"
birthday = 1990-04-12
`
	doc := index.NewDocument(10, 2)
	require.NoError(t, Contact().Extract(store.Item{ID: 10, Payload: []byte(payload)}, doc))

	terms := doc.Terms()
	assert.Contains(t, terms, "NAann")
	assert.Contains(t, terms, "NIannie")
	assert.Contains(t, terms, "EMann")
	assert.Contains(t, terms, "Nconference")
	assert.Contains(t, terms, "conference")
	assert.Contains(t, doc.Flags(), "UIDc-1")
	assert.Contains(t, doc.Flags(), "DY1990")

	_, ok := doc.Value(ContactSlotBirthday)
	assert.True(t, ok)
	_, ok = doc.Value(ContactSlotAnniversary)
	assert.False(t, ok)
}

func TestEvent_Extract(t *testing.T) {
	payload := `
uid = "e-1"
summary = "Team sync"
location = "Room 4"
attendees = ["ann@example.com", "bob@example.com"]
categories = ["work"]
dtstart = 2024-02-01T09:00:00Z
dtend = 2024-02-01T10:00:00Z
all_day = true
`
	doc := index.NewDocument(20, 3)
	require.NoError(t, Event().Extract(store.Item{ID: 20, Payload: []byte(payload)}, doc))

	assert.Contains(t, doc.Terms(), "Ssync")
	assert.Contains(t, doc.Terms(), "ATbob")
	assert.Contains(t, doc.Terms(), "CAwork")
	assert.Contains(t, doc.Flags(), "AD")
	assert.Contains(t, doc.Flags(), "DM02")
	start, ok := doc.Value(EventSlotStart)
	require.True(t, ok)
	end, ok := doc.Value(EventSlotEnd)
	require.True(t, ok)
	assert.Equal(t, int64(3600), end-start)
}

func TestNote_Extract(t *testing.T) {
	mtime := time.Date(2023, 7, 8, 12, 0, 0, 0, time.UTC)

	doc := index.NewDocument(30, 4)
	require.NoError(t, Note().Extract(store.Item{ID: 30, Payload: []byte("# Groceries\nmilk\neggs"), ModTime: mtime}, doc))
	assert.Contains(t, doc.Terms(), "SUgroceries")
	assert.Contains(t, doc.Terms(), "BOeggs")
	assert.Contains(t, doc.Flags(), "DY2023")

	doc = index.NewDocument(31, 4)
	payload := "subject = \"Plan\"\nbody = \"ship it\"\ndate = 2022-01-02T00:00:00Z\n"
	require.NoError(t, Note().Extract(store.Item{ID: 31, Payload: []byte(payload), ModTime: mtime}, doc))
	assert.Contains(t, doc.Terms(), "SUplan")
	assert.Contains(t, doc.Flags(), "DY2022")
}

func TestCollection_Document(t *testing.T) {
	doc := Collection().Document(store.Collection{
		ID:        5,
		Parent:    1,
		Name:      "Inbox",
		MimeTypes: []string{store.MimeEmail},
	})
	assert.Equal(t, int64(5), doc.ID())
	assert.Contains(t, doc.Flags(), "C1")
	assert.Contains(t, doc.Flags(), "M"+store.MimeEmail)
	assert.Contains(t, doc.Terms(), "Ninbox")
	assert.Contains(t, doc.Terms(), "inbox")
}

func TestSet(t *testing.T) {
	set := Default()

	email, ok := set.ForMime(store.MimeEmail)
	require.True(t, ok)
	assert.Equal(t, "email", email.Name())
	_, ok = set.ForMime("image/png")
	assert.False(t, ok)

	assert.Len(t, set.All(), 5)
	c, ok := set.Lookup("collection")
	require.True(t, ok)
	assert.Equal(t, set.Collection(), c)

	filtered := set.Filter(func(name string) bool { return name != "note" })
	assert.Len(t, filtered.Items(), 3)
	assert.NotNil(t, filtered.Collection())

	assert.True(t, HasTypes(email, nil))
	assert.True(t, HasTypes(email, []string{"pim", "Email"}))
	assert.False(t, HasTypes(email, []string{"PIM", "Contact"}))

	for _, dt := range set.All() {
		assert.True(t, dt.Registry().Has("collection"), dt.Name())
	}
}

func TestEmail_SearchRoundTrip(t *testing.T) {
	engine := index.Open("email", "")
	defer engine.Close()

	et := Email()
	doc := index.NewDocument(1, 7)
	require.NoError(t, et.Extract(store.Item{ID: 1, Collection: 7, Payload: []byte(multipartMessage)}, doc))
	require.NoError(t, engine.Index(doc))
	require.NoError(t, engine.Commit())

	tr := translate.New(et.Registry(), engine)
	search := func(term query.Term) []index.Hit {
		res, err := engine.Search(tr.Translate(term), index.SearchOptions{Limit: 10})
		require.NoError(t, err)
		return res.Hits
	}

	assert.Len(t, search(query.NewTerm("subject", query.String("quarterly résumé"), query.Equal)), 1)
	assert.Len(t, search(query.NewTerm("from", query.String("ann"), query.Contains)), 1)
	assert.Len(t, search(query.NewTerm("hasattachment", query.Bool(true), query.Auto)), 1)
	assert.Empty(t, search(query.NewTerm("isread", query.Bool(true), query.Auto)))
	assert.Len(t, search(query.NewTerm("messageid", query.String("abc123@example.com"), query.Auto)), 1)
	assert.Len(t, search(query.NewTerm("date", query.Int(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Unix()), query.Greater)), 1)

	add, remove := et.FlagTerms([]string{`\Seen`}, nil)
	require.NoError(t, engine.UpdateFlags(1, add, remove))
	require.NoError(t, engine.Commit())
	assert.Len(t, search(query.NewTerm("isread", query.Bool(true), query.Auto)), 1)
	assert.Len(t, search(query.NewTerm("subject", query.String("quarterly"), query.Contains)), 1)
}
