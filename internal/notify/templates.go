// Package notify renders and delivers membership notification emails.
package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Kind identifies a notification event.
type Kind string

const (
	KindInviteUsed    Kind = "invite_used"
	KindExpiringSoon  Kind = "expiring_soon"
	KindExpired       Kind = "expired"
	KindManualCreated Kind = "manual_created"
	KindCredentials   Kind = "credentials"
	KindExtended      Kind = "extended"
	KindRevoked       Kind = "revoked"
	KindReenrolled    Kind = "reenrolled"
)

// DateLayout is the day/month/year layout used in message bodies.
const DateLayout = "02/01/2006"

// Event is a membership change worth telling someone about. To is the
// recipient address; everything else is interpolated into the body.
type Event struct {
	Kind         Kind
	To           string
	Recipient    string
	StudentName  string
	Username     string
	StudentEmail string
	Code         string
	Password     string
	Expiry       time.Time
	Days         int
}

// Message is a rendered plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templateSources = map[Kind][2]string{
	KindInviteUsed: {
		`Invite code used: {{.Username}}`,
		`Hello {{.Recipient}},

User {{.Username}} ({{.StudentEmail}}) has registered using invite code {{.Code}}.

Access expires: {{date .Expiry}}
`,
	},
	KindExpiringSoon: {
		`Membership expiring soon: {{.Username}}`,
		`Hello {{.Recipient}},

The membership of {{.StudentName}} ({{.StudentEmail}}) expires on {{date .Expiry}}.

Issue a new invite code if they need more time.
`,
	},
	KindExpired: {
		`Membership expired: {{.Username}}`,
		`Hello {{.Recipient}},

The membership of {{.StudentName}} ({{.StudentEmail}}) expired on {{date .Expiry}} and their course access has been removed.
`,
	},
	KindManualCreated: {
		`Student account created: {{.Username}}`,
		`Hello {{.Recipient}},

A student account was created for {{.StudentName}} ({{.StudentEmail}}) with username {{.Username}}.

Access expires: {{date .Expiry}}
`,
	},
	KindCredentials: {
		`Your {{.SiteName}} account`,
		`Hello {{.StudentName}},

An account has been created for you.

Username: {{.Username}}
Password: {{.Password}}
{{if .LoginURL}}Log in at: {{.LoginURL}}
{{end}}
Your access expires on {{date .Expiry}}. Please change your password after logging in.
`,
	},
	KindExtended: {
		`Membership extended: {{.Username}}`,
		`Hello {{.Recipient}},

User {{.Username}} ({{.StudentEmail}}) has extended their membership using code {{.Code}}.

New expiry date: {{date .Expiry}}
`,
	},
	KindRevoked: {
		`Membership revoked: {{.Username}}`,
		`Hello {{.Recipient}},

The membership of {{.StudentName}} ({{.StudentEmail}}) was revoked and their course access has been removed.
`,
	},
	KindReenrolled: {
		`Student re-enrolled: {{.Username}}`,
		`Hello {{.Recipient}},

{{.StudentName}} ({{.StudentEmail}}) has been re-enrolled for {{.Days}} days.

New expiry date: {{date .Expiry}}
`,
	},
}

// Renderer turns events into messages signed with the site name.
type Renderer struct {
	siteName  string
	loginURL  string
	templates map[Kind]messageTemplate
}

// NewRenderer parses the message templates. Dates are printed in loc.
func NewRenderer(siteName, loginURL string, loc *time.Location) (*Renderer, error) {
	if loc == nil {
		loc = time.UTC
	}
	funcs := template.FuncMap{
		"date": func(t time.Time) string {
			if t.IsZero() {
				return "never"
			}
			return t.In(loc).Format(DateLayout)
		},
	}

	r := &Renderer{siteName: siteName, loginURL: loginURL, templates: make(map[Kind]messageTemplate)}
	for kind, src := range templateSources {
		subj, err := template.New(string(kind) + "_subject").Funcs(funcs).Parse(src[0])
		if err != nil {
			return nil, fmt.Errorf("parsing %s subject: %w", kind, err)
		}
		body, err := template.New(string(kind)).Funcs(funcs).Parse(src[1])
		if err != nil {
			return nil, fmt.Errorf("parsing %s body: %w", kind, err)
		}
		r.templates[kind] = messageTemplate{subject: subj, body: body}
	}
	return r, nil
}

type view struct {
	Event
	SiteName string
	LoginURL string
}

// Render builds the message for ev.
func (r *Renderer) Render(ev Event) (Message, error) {
	t, ok := r.templates[ev.Kind]
	if !ok {
		return Message{}, fmt.Errorf("unknown notification kind %q", ev.Kind)
	}
	if ev.Recipient == "" {
		ev.Recipient = "there"
	}
	v := view{Event: ev, SiteName: r.siteName, LoginURL: r.loginURL}

	var subj, body bytes.Buffer
	if err := t.subject.Execute(&subj, v); err != nil {
		return Message{}, fmt.Errorf("rendering %s subject: %w", ev.Kind, err)
	}
	if err := t.body.Execute(&body, v); err != nil {
		return Message{}, fmt.Errorf("rendering %s body: %w", ev.Kind, err)
	}
	body.WriteString("\nRegards,\n" + r.siteName)

	return Message{
		To:      ev.To,
		Subject: strings.TrimSpace(subj.String()),
		Body:    body.String(),
	}, nil
}
