package validation

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/obot-platform/authz-server/pkg/catalog"
	"go.uber.org/zap"
)

// Message is one validation code delivery.
type Message struct {
	To        string
	Code      string
	Reasons   []string
	ExpiresAt time.Time
}

// Sender delivers validation codes over one medium.
type Sender interface {
	Medium() string
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds the mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

var emailTemplate = template.Must(template.New("email").Parse(`From: {{.From}}
To: {{.To}}
Subject: Your verification code is {{.Code}}
MIME-Version: 1.0
Content-Type: text/plain; charset="utf-8"

Your verification code is {{.Code}}.

It expires at {{.ExpiresAt.UTC.Format "15:04 MST"}}. If you did not request it, you can ignore this email.
`))

// SMTPSender delivers codes by email through an SMTP relay.
type SMTPSender struct {
	config   SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates an email sender
func NewSMTPSender(config SMTPConfig) (*SMTPSender, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if config.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if config.Port == 0 {
		config.Port = 587
	}
	return &SMTPSender{config: config, sendMail: smtp.SendMail}, nil
}

func (s *SMTPSender) Medium() string {
	return catalog.MediumEmail
}

func (s *SMTPSender) Send(_ context.Context, msg Message) error {
	if strings.ContainsAny(msg.To, "\r\n") {
		return fmt.Errorf("invalid recipient")
	}
	var body bytes.Buffer
	err := emailTemplate.Execute(&body, struct {
		Message
		From string
	}{Message: msg, From: s.config.From})
	if err != nil {
		return fmt.Errorf("failed to render email: %w", err)
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	// SMTP wants CRLF line endings
	data := bytes.ReplaceAll(body.Bytes(), []byte("\n"), []byte("\r\n"))
	if err := s.sendMail(addr, auth, s.config.From, []string{msg.To}, data); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// LogSender writes codes to the log instead of delivering them. Development only.
type LogSender struct {
	medium string
	logger *zap.Logger
}

// NewLogSender creates a sender that logs the codes of medium
func NewLogSender(medium string, logger *zap.Logger) *LogSender {
	return &LogSender{medium: medium, logger: logger}
}

func (s *LogSender) Medium() string {
	return s.medium
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("Validation code",
		zap.String("medium", s.medium),
		zap.String("to", msg.To),
		zap.String("code", msg.Code),
		zap.Strings("reasons", msg.Reasons))
	return nil
}
