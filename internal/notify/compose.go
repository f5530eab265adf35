package notify

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"labkeeper/internal/expiry"
	"labkeeper/internal/inventory"
	"labkeeper/internal/mail"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Subject prefixes per category. CategoryFromSubject relies on them being distinct.
const (
	PrefixWarning = "Reminder:"
	PrefixDue     = "Due today:"
	PrefixOverdue = "OVERDUE:"
)

// Confirmation is a one-off mail sent on an operator action in the web UI.
type Confirmation string

const (
	ConfirmStorage   Confirmation = "storage"
	ConfirmExtension Confirmation = "extension"
	ConfirmPickup    Confirmation = "pickup"
)

func ParseConfirmation(s string) (Confirmation, error) {
	switch c := Confirmation(strings.ToLower(strings.TrimSpace(s))); c {
	case ConfirmStorage, ConfirmExtension, ConfirmPickup:
		return c, nil
	}
	return "", fmt.Errorf("unknown notification type %q", s)
}

const (
	dueDateLayout   = "January 2, 2006"
	timestampLayout = "January 2, 2006 at 03:04 PM"
)

// ComposerConfig fills the fixed parts of every message.
type ComposerConfig struct {
	LabName  string
	AppURL   string
	Location *time.Location
}

// Composer renders notification mails from the embedded templates.
// Output depends only on its inputs.
type Composer struct {
	cfg  ComposerConfig
	sets map[string]*template.Template
}

type messageData struct {
	LabName        string
	AppURL         string
	OwnerName      string
	Object         string
	Tag            string
	Location       string
	DueDate        string
	DaysOverdue    int
	DayWord        string
	TimePeriod     int
	AdditionalDays int
	Expiry         string
	Pickup         string
}

func NewComposer(cfg ComposerConfig) (*Composer, error) {
	if strings.TrimSpace(cfg.LabName) == "" {
		cfg.LabName = "Lab"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	c := &Composer{cfg: cfg, sets: map[string]*template.Template{}}
	names := []string{
		string(expiry.Warning), string(expiry.Due), string(expiry.Overdue),
		string(ConfirmStorage), string(ConfirmExtension), string(ConfirmPickup),
	}
	for _, name := range names {
		t, err := template.ParseFS(templatesFS, "templates/"+name+".tmpl")
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		c.sets[name] = t
	}
	return c, nil
}

// Compose builds the expiration mail for it.
func (c *Composer) Compose(it inventory.Item, d expiry.Decision) (mail.Message, error) {
	if !d.Category.Valid() {
		return mail.Message{}, fmt.Errorf("compose: invalid category %q", d.Category)
	}
	data := messageData{
		LabName:   c.cfg.LabName,
		AppURL:    c.cfg.AppURL,
		OwnerName: it.OwnerName,
		Object:    it.Object,
		Tag:       it.Tag(),
		Location:  it.Location,
		DueDate:   d.DueDate.Format(dueDateLayout),
	}
	if d.Category == expiry.Overdue {
		data.DaysOverdue = d.DaysFromDue
		data.DayWord = dayWord(d.DaysFromDue)
	}
	return c.render(string(d.Category), data, it.OwnerEmail, it.OwnerName, it.ID)
}

// ComposeConfirmation builds a storage/extension/pickup confirmation from the
// record the web UI sent. additionalDays is used by extension only.
func (c *Composer) ComposeConfirmation(kind Confirmation, r inventory.Record, additionalDays int) (mail.Message, error) {
	tag := strings.TrimSpace(r.UniqueID)
	if tag == "" {
		tag = r.ID
	}
	data := messageData{
		LabName:        c.cfg.LabName,
		AppURL:         c.cfg.AppURL,
		OwnerName:      strings.TrimSpace(r.OwnerName),
		Object:         strings.TrimSpace(r.ObjectStored),
		Tag:            tag,
		Location:       strings.TrimSpace(r.Location),
		TimePeriod:     int(r.TimePeriod),
		AdditionalDays: additionalDays,
		Expiry:         c.formatTimestamp(r.ExpiryDate),
		Pickup:         c.formatTimestamp(r.PickupDate),
	}
	if kind == ConfirmPickup && data.Pickup == "" {
		return mail.Message{}, fmt.Errorf("compose pickup: missing pickupDate")
	}
	return c.render(string(kind), data, strings.TrimSpace(r.EmailID), data.OwnerName, r.ID)
}

func (c *Composer) render(name string, data messageData, to, toName, tag string) (mail.Message, error) {
	t, ok := c.sets[name]
	if !ok {
		return mail.Message{}, fmt.Errorf("no template %q", name)
	}
	var subj, body bytes.Buffer
	if err := t.ExecuteTemplate(&subj, "subject", data); err != nil {
		return mail.Message{}, err
	}
	if err := t.ExecuteTemplate(&body, "body", data); err != nil {
		return mail.Message{}, err
	}
	return mail.Message{
		To:      to,
		ToName:  toName,
		Subject: strings.TrimSpace(subj.String()),
		Body:    strings.TrimSpace(body.String()) + "\n",
		Tag:     tag,
	}, nil
}

func (c *Composer) formatTimestamp(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	t, err := inventory.ParseTimestamp(s, c.cfg.Location)
	if err != nil {
		return s
	}
	return t.In(c.cfg.Location).Format(timestampLayout)
}

func dayWord(n int) string {
	if n == 1 {
		return "day"
	}
	return "days"
}

// CategoryFromSubject recovers the notification category from a subject line.
func CategoryFromSubject(subject string) (expiry.Category, bool) {
	s := strings.TrimSpace(subject)
	switch {
	case strings.HasPrefix(s, PrefixWarning):
		return expiry.Warning, true
	case strings.HasPrefix(s, PrefixDue):
		return expiry.Due, true
	case strings.HasPrefix(s, PrefixOverdue):
		return expiry.Overdue, true
	}
	return "", false
}
