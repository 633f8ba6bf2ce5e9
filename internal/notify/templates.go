package notify

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// Message is a rendered notification ready for a Sender.
type Message struct {
	To      string
	Subject string
	Body    string
}

// ErrUnknownKind is returned when no template exists for a kind.
var ErrUnknownKind = errors.New("notify: unknown kind")

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templates = map[Kind]messageTemplate{
	KindRequestSubmitted: mustTemplate(KindRequestSubmitted,
		`We received your activation request`,
		`Hello {{.first_name}},

Your {{.request_type}} request has been received and is waiting for review.
Reference: {{.request_id}}
`),
	KindSuperOwnerNewRequest: mustTemplate(KindSuperOwnerNewRequest,
		`New activation request from {{.email}}`,
		`A new {{.request_type}} request was submitted by {{.first_name}} {{.last_name}} <{{.email}}>.
{{- if .company_name}}
Company: {{.company_name}}
{{- end}}
Reference: {{.request_id}}
`),
	KindRequestApproved: mustTemplate(KindRequestApproved,
		`Your account has been activated`,
		`Hello {{.first_name}},

Your {{.request_type}} request was approved.
{{- if .company_name}} The company {{.company_name}} is ready to use.{{end}}
Your sign-in details follow in a separate message.
`),
	KindLoginCredentials: mustTemplate(KindLoginCredentials,
		`Your sign-in details`,
		`Username: {{.username}}
Password: {{.password}}

Change your password after the first sign-in.
`),
	KindRequestRejected: mustTemplate(KindRequestRejected,
		`Your activation request was declined`,
		`Hello {{.first_name}},

Your {{.request_type}} request was declined.
{{- if .reason}}
Reason: {{.reason}}
{{- end}}
`),
	KindDocumentsRequired: mustTemplate(KindDocumentsRequired,
		`Documents required for your activation request`,
		`Hello {{.first_name}},

We need further documents before your request can be reviewed.
{{- if .reason}}
Details: {{.reason}}
{{- end}}
Reference: {{.request_id}}
`),
	KindDocumentRevisionRequired: mustTemplate(KindDocumentRevisionRequired,
		`Please revise {{.document}}`,
		`Hello {{.first_name}},

The document {{.document}} needs a revision.
{{- if .notes}}
Reviewer notes: {{.notes}}
{{- end}}
`),
}

func mustTemplate(kind Kind, subject, body string) messageTemplate {
	opt := "missingkey=zero"
	return messageTemplate{
		subject: template.Must(template.New(string(kind) + ".subject").Option(opt).Parse(subject)),
		body:    template.Must(template.New(string(kind) + ".body").Option(opt).Parse(body)),
	}
}

// Render produces the message for n.
func Render(n Notification) (Message, error) {
	tmpl, ok := templates[n.Kind]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, n.Kind)
	}
	data := n.Data
	if data == nil {
		data = map[string]string{}
	}
	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("notify: render subject: %w", err)
	}
	if err := tmpl.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("notify: render body: %w", err)
	}
	return Message{To: n.To, Subject: strings.TrimSpace(subject.String()), Body: body.String()}, nil
}
