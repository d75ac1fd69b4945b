// Package media turns inbound attachments into text the assistant can read.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/util"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

const (
	MaxPDFPages         = 20
	MaxUploadPDFPages   = 30
	MaxSheets           = 3
	MaxSheetRows        = 100
	MaxExtractChars     = 8000
	MaxDownloadBytes    = 25 << 20
	DefaultFetchTimeout = 60 * time.Second
)

// User-facing placeholders inserted in place of media content.
const (
	AudioNotConfigured  = "[Áudio recebido, mas a transcrição não está configurada]"
	AudioFailed         = "[Não foi possível transcrever o áudio]"
	AudioPrefix         = "[Áudio transcrito]: "
	PDFPrefix           = "[Conteúdo do PDF enviado pelo usuário]:\n"
	PDFFailed           = "[Não foi possível ler o PDF]"
	SpreadsheetPrefix   = "[Conteúdo da planilha enviada pelo usuário]:\n"
	SpreadsheetFailed   = "[Não foi possível ler a planilha]"
	unsupportedTemplate = "[Arquivo recebido: %s (tipo não suportado para leitura automática)]"
)

// Transcriber converts audio bytes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, fileName, mimeType string) (string, error)
}

// Extractor downloads and reads message attachments.
type Extractor struct {
	httpClient  *http.Client
	transcriber Transcriber
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithHTTPClient sets the client used to download attachment URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Extractor) { e.httpClient = c }
}

// WithTranscriber enables audio transcription.
func WithTranscriber(t Transcriber) Option {
	return func(e *Extractor) { e.transcriber = t }
}

// NewExtractor creates an Extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{httpClient: &http.Client{Timeout: DefaultFetchTimeout}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the text standing in for the message's media. ok is false
// when the message carries no usable attachment. Failures never surface as
// errors; they become placeholders the model can react to.
func (e *Extractor) Extract(ctx context.Context, msg models.InboundMessage) (text string, ok bool) {
	switch {
	case msg.Audio != nil && (msg.Audio.URL != "" || len(msg.Audio.Data) > 0):
		return e.audio(ctx, msg.Audio), true
	case msg.Document != nil && (msg.Document.URL != "" || len(msg.Document.Data) > 0):
		return e.document(ctx, msg.Document), true
	default:
		return "", false
	}
}

func (e *Extractor) audio(ctx context.Context, a *models.Attachment) string {
	if e.transcriber == nil {
		return AudioNotConfigured
	}
	data, err := e.fetch(ctx, a)
	if err != nil {
		slog.Error("Extractor.audio: download failed", "error", err)
		return AudioFailed
	}
	text, err := e.transcriber.Transcribe(ctx, data, a.FileName, a.MimeType)
	if err != nil || text == "" {
		slog.Error("Extractor.audio: transcription failed", "error", err)
		return AudioFailed
	}
	return AudioPrefix + text
}

func (e *Extractor) document(ctx context.Context, d *models.Attachment) string {
	kind := Classify(d.FileName, d.MimeType)
	if kind == KindOther {
		name := strings.ToLower(d.FileName)
		if name == "" {
			name = "arquivo"
		}
		return fmt.Sprintf(unsupportedTemplate, name)
	}

	data, err := e.fetch(ctx, d)
	if err != nil {
		slog.Error("Extractor.document: download failed", "kind", kind, "error", err)
		if kind == KindPDF {
			return PDFFailed
		}
		return SpreadsheetFailed
	}

	if kind == KindPDF {
		text, err := PDFText(data, MaxPDFPages)
		if err != nil {
			slog.Error("Extractor.document: PDF read failed", "error", err)
			return PDFFailed
		}
		return PDFPrefix + util.TruncateRunes(text, MaxExtractChars)
	}
	text, err := SpreadsheetText(data)
	if err != nil {
		slog.Error("Extractor.document: spreadsheet read failed", "error", err)
		return SpreadsheetFailed
	}
	return SpreadsheetPrefix + util.TruncateRunes(text, MaxExtractChars)
}

func (e *Extractor) fetch(ctx context.Context, a *models.Attachment) ([]byte, error) {
	if len(a.Data) > 0 {
		return a.Data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, MaxDownloadBytes))
}

// Kind is the extraction strategy for a document.
type Kind string

const (
	KindPDF         Kind = "pdf"
	KindSpreadsheet Kind = "spreadsheet"
	KindOther       Kind = "other"
)

// Classify picks the extraction strategy from the file name and MIME type.
func Classify(fileName, mimeType string) Kind {
	name := strings.ToLower(fileName)
	mime := strings.ToLower(mimeType)
	if strings.Contains(mime, "pdf") || strings.HasSuffix(name, ".pdf") {
		return KindPDF
	}
	for _, marker := range []string{"excel", "spreadsheet", "xlsx", "xls"} {
		if strings.Contains(mime, marker) {
			return KindSpreadsheet
		}
	}
	if strings.HasSuffix(name, ".xlsx") || strings.HasSuffix(name, ".xls") {
		return KindSpreadsheet
	}
	return KindOther
}

// PDFText extracts plain text from the first maxPages pages.
func PDFText(data []byte, maxPages int) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	n := r.NumPage()
	if maxPages > 0 && n > maxPages {
		n = maxPages
	}
	var pages []string
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			slog.Warn("media.PDFText: page unreadable", "page", i, "error", err)
			continue
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, fmt.Sprintf("[Página %d]\n%s", i, strings.TrimSpace(text)))
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

// SpreadsheetText renders up to MaxSheets sheets and MaxSheetRows rows each as
// pipe-separated lines.
func SpreadsheetText(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	var lines []string
	sheets := f.GetSheetList()
	if len(sheets) > MaxSheets {
		sheets = sheets[:MaxSheets]
	}
	for _, sheet := range sheets {
		lines = append(lines, fmt.Sprintf("[Aba: %s]", sheet))
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("failed to read sheet %s: %w", sheet, err)
		}
		for i, row := range rows {
			if i >= MaxSheetRows {
				lines = append(lines, "... (mais linhas omitidas)")
				break
			}
			line := strings.Join(row, " | ")
			if strings.TrimSpace(strings.ReplaceAll(line, "|", "")) != "" {
				lines = append(lines, line)
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

// DocumentText converts an uploaded reference file to text: PDFs are read
// page by page, anything else is decoded as UTF-8 with a Latin-1 fallback.
func DocumentText(fileName string, data []byte) (string, error) {
	if strings.EqualFold(path.Ext(fileName), ".pdf") {
		return PDFText(data, MaxUploadPDFPages)
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes), nil
}
