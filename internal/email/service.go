// Package email delivers notification emails over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Notification is what a recipient is told about: who did what, with an
// optional excerpt and a link back to the conversation.
type Notification struct {
	RecipientName string
	SenderName    string
	Header        string
	Excerpt       string
	URL           string
	SentAt        time.Time
}

func (s *Service) SendNotification(to string, n Notification) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	html, err := renderNotification(n)
	if err != nil {
		return fmt.Errorf("render notification template: %w", err)
	}
	msg := s.compose([]string{to}, n.Header, plainNotification(n), html)
	return s.send(s.server, s.auth, s.config.From, []string{to}, msg)
}

func (s *Service) compose(to []string, subject, text, html string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	subject = strings.NewReplacer("\r", " ", "\n", " ").Replace(subject)
	boundary := "cord-notification"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", text)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", html)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

func plainNotification(n Notification) string {
	var b strings.Builder
	b.WriteString(n.Header)
	if n.Excerpt != "" {
		b.WriteString("\r\n\r\n> ")
		b.WriteString(n.Excerpt)
	}
	if n.URL != "" {
		b.WriteString("\r\n\r\n")
		b.WriteString(n.URL)
	}
	return b.String()
}

var notificationTemplate = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Header}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .excerpt { border-left: 3px solid #ddd; padding-left: 12px; color: #555; }
        .button { display: inline-block; padding: 10px 20px; background: #1b1b1b; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    {{if .RecipientName}}<p>Hi {{.RecipientName}},</p>{{end}}
    <p>{{.Header}}</p>
    {{if .Excerpt}}<p class="excerpt">{{.Excerpt}}</p>{{end}}
    {{if .URL}}<p><a href="{{.URL}}" class="button">View conversation</a></p>{{end}}
</body>
</html>`))

func renderNotification(n Notification) (string, error) {
	var buf bytes.Buffer
	if err := notificationTemplate.Execute(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}
