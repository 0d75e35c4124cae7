package invoicing

import (
	"bytes"
	"context"
	"text/template"

	"github.com/UgoRastell/microsaas/internal/pkg/errors"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
)

// Renderer produces the invoice document sent to the client. Production
// deployments plug a PDF rendering service here.
type Renderer interface {
	RenderPDF(ctx context.Context, inv *Invoice) ([]byte, error)
}

// SendInput is one outbound email.
type SendInput struct {
	To         string
	Subject    string
	Body       string
	Attachment []byte
	Filename   string
}

// Mailer delivers invoice emails and returns the provider's delivery
// id.
type Mailer interface {
	Send(ctx context.Context, in SendInput) (string, error)
}

const invoiceTemplate = `INVOICE {{.Number}}
Issued {{.IssuedAt.Format "2006-01-02"}}, due {{.DueAt.Format "2006-01-02"}}
Client: {{.ClientID}}

{{range .Items}}{{printf "%-40s" .Description}} {{printf "%8.2f" .Quantity}} x {{printf "%10.2f" .UnitPrice}} = {{printf "%12.2f" .Amount}}
{{end}}
Subtotal: {{printf "%.2f" .Subtotal}} {{.Currency}}
Tax ({{printf "%.0f" (mulpct .TaxRate)}}%): {{printf "%.2f" .Tax}} {{.Currency}}
Total: {{printf "%.2f" .Total}} {{.Currency}}
`

// TextRenderer renders a plain-text invoice document. It is the dev and
// test stand-in for the PDF service.
type TextRenderer struct {
	tmpl *template.Template
}

// NewTextRenderer compiles the invoice template.
func NewTextRenderer() *TextRenderer {
	tmpl := template.Must(template.New("invoice").Funcs(template.FuncMap{
		"mulpct": func(rate float64) float64 { return rate * 100 },
	}).Parse(invoiceTemplate))
	return &TextRenderer{tmpl: tmpl}
}

// RenderPDF renders the invoice document.
func (r *TextRenderer) RenderPDF(_ context.Context, inv *Invoice) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, inv); err != nil {
		return nil, errors.InternalError("rendering invoice", err)
	}
	return buf.Bytes(), nil
}

// LogMailer logs outbound mail instead of delivering it. It is the dev
// and test stand-in for the email provider.
type LogMailer struct {
	log *logger.Logger
}

// NewLogMailer creates a mailer that only logs.
func NewLogMailer(log *logger.Logger) *LogMailer {
	return &LogMailer{log: log.WithComponent("mailer")}
}

// Send logs the mail and returns a generated delivery id.
func (m *LogMailer) Send(_ context.Context, in SendInput) (string, error) {
	id := newID("del")
	m.log.Info("mail delivered",
		"to", in.To,
		"subject", in.Subject,
		"attachment_bytes", len(in.Attachment),
		"delivery_id", id,
	)
	return id, nil
}
