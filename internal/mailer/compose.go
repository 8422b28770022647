package mailer

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"commsdash/dashboard/internal/domain"
)

// base64 正文每行长度
const base64LineLength = 76

// Compose 将外发邮件编码为 RFC 5322 报文
//
// 有附件时生成 multipart/mixed，附件内容沿用调用方已编码的 base64。
func Compose(from string, email domain.OutgoingEmail, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", from)
	writeHeader(&buf, "To", strings.Join(domain.SplitRecipients(email.To), ", "))
	if cc := domain.SplitRecipients(email.CC); len(cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(cc, ", "))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", email.Subject))
	writeHeader(&buf, "Date", now.Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", fmt.Sprintf("<%s@commsdash>", uuid.New().String()))
	writeHeader(&buf, "MIME-Version", "1.0")

	if email.Attachment == nil {
		writeHeader(&buf, "Content-Type", `text/plain; charset="utf-8"`)
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQuotedPrintable(&buf, email.Message); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", fmt.Sprintf(`multipart/mixed; boundary="%s"`, mw.Boundary()))
	buf.WriteString("\r\n")

	textHeader := make(textproto.MIMEHeader)
	textHeader.Set("Content-Type", `text/plain; charset="utf-8"`)
	textHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	textPart, err := mw.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	if err := writeQuotedPrintable(textPart, email.Message); err != nil {
		return nil, err
	}

	att := email.Attachment
	contentType := att.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := att.Disposition
	if disposition == "" {
		disposition = "attachment"
	}

	attHeader := make(textproto.MIMEHeader)
	attHeader.Set("Content-Type", mime.FormatMediaType(contentType, map[string]string{"name": att.Filename}))
	attHeader.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": att.Filename}))
	attHeader.Set("Content-Transfer-Encoding", "base64")
	attPart, err := mw.CreatePart(attHeader)
	if err != nil {
		return nil, fmt.Errorf("create attachment part: %w", err)
	}
	for i := 0; i < len(att.Content); i += base64LineLength {
		end := min(i+base64LineLength, len(att.Content))
		if _, err := fmt.Fprintf(attPart, "%s\r\n", att.Content[i:end]); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writeQuotedPrintable(w io.Writer, text string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(text)); err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	return qp.Close()
}
