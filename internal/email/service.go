// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	texttemplate "text/template"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		s.fromHeader(),
		subject,
		body,
	))

	return s.send(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email with a plain text fallback part
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	boundary := "boundary-calmkit"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// PasscodeChangedData feeds the passcode-change notice.
type PasscodeChangedData struct {
	AppName  string
	UserName string
	Failed   bool
	Total    int
	Errors   int
}

// SendPasscodeChangedEmail tells a user their journal was re-encrypted.
func (s *Service) SendPasscodeChangedEmail(to string, data PasscodeChangedData) error {
	if data.AppName == "" {
		data.AppName = "Calmkit"
	}
	subject := fmt.Sprintf("Your %s passcode was changed", data.AppName)
	if data.Failed || data.Errors > 0 {
		subject = fmt.Sprintf("Action needed: %s passcode change did not finish", data.AppName)
	}

	html, err := renderTemplate(passcodeChangedHTMLTemplate, data)
	if err != nil {
		return fmt.Errorf("render passcode template: %w", err)
	}
	text, err := renderTextTemplate(passcodeChangedTextTemplate, data)
	if err != nil {
		return fmt.Errorf("render passcode template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderTextTemplate(tmpl string, data any) (string, error) {
	t := texttemplate.Must(texttemplate.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const passcodeChangedTextTemplate = `Hi {{.UserName}},
{{if .Failed}}
We could not finish re-encrypting your {{.AppName}} journal with your new passcode. Your entries are safe; please try changing your passcode again.
{{else if .Errors}}
Your {{.AppName}} passcode was changed, but {{.Errors}} of {{.Total}} journal entries could not be re-encrypted. Please try changing your passcode again.
{{else}}
Your {{.AppName}} passcode was changed and all {{.Total}} journal entries are now protected by it.
{{end}}
If you did not make this change, sign in and set a new passcode right away.`

const passcodeChangedHTMLTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} passcode</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #4a8f7b; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.UserName}},</p>
    {{if .Failed}}
    <div class="warning">We could not finish re-encrypting your journal with your new passcode. Your entries are safe; please try changing your passcode again.</div>
    {{else if .Errors}}
    <div class="warning">Your passcode was changed, but {{.Errors}} of {{.Total}} journal entries could not be re-encrypted. Please try changing your passcode again.</div>
    {{else}}
    <p>Your passcode was changed and all {{.Total}} journal entries are now protected by it.</p>
    {{end}}

    <div class="footer">
        <p>If you did not make this change, sign in and set a new passcode right away.</p>
    </div>
</body>
</html>`
