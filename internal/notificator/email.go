package notificator

import (
	"fmt"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/dedata/checkpay/pkg/logger"
)

type EmailNotificator struct {
	logger *logger.Logger

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPSender   string
	Recipients   []string

	SMTPAuth smtp.Auth

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotificator(logger *logger.Logger, SMTPHost string, SMTPPort int, SMTPUser string, SMTPPassword string, SMTPSender string, recipients []string) *EmailNotificator {
	var auth smtp.Auth
	if SMTPUser != "" {
		auth = smtp.PlainAuth(
			"",
			SMTPUser,
			SMTPPassword,
			SMTPHost,
		)
	}

	return &EmailNotificator{
		logger:       logger,
		SMTPAuth:     auth,
		SMTPHost:     SMTPHost,
		SMTPPort:     SMTPPort,
		SMTPUser:     SMTPUser,
		SMTPPassword: SMTPPassword,
		SMTPSender:   SMTPSender,
		Recipients:   recipients,
		send:         smtp.SendMail,
	}
}

func (e *EmailNotificator) SendNotification(subject, message string) error {
	if len(e.Recipients) == 0 {
		return nil
	}
	addr := e.SMTPHost + ":" + strconv.Itoa(e.SMTPPort)
	msg := buildMessage(e.SMTPSender, e.Recipients, subject, message)
	if err := e.send(addr, e.SMTPAuth, e.SMTPSender, e.Recipients, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func buildMessage(from string, to []string, subject, body string) []byte {
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from,
		strings.Join(to, ", "),
		subject,
		strings.ReplaceAll(body, "\n", "\r\n"),
	))
}
