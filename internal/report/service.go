// Package report escalates emergent intakes to the on-call clinician as a
// PDF care-plan report delivered over Telegram.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signintech/gopdf"
	"go.uber.org/zap"

	"careplan-service/internal/careplan"
	"careplan-service/internal/events"
)

type TelegramClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, fileData []byte, fileName, caption string) error
}

// DefaultFontPaths are tried in order; DejaVuSans covers Latin and Cyrillic.
var DefaultFontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

// Service is an events.Sink. It ignores everything except emergent
// intake.completed events.
type Service struct {
	tgClient  TelegramClient
	onCallID  int64
	fontPaths []string
	logger    *zap.Logger
}

// NewService builds the sink. fontPath, when set, is tried before the
// defaults.
func NewService(tg TelegramClient, onCallChatID int64, fontPath string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	paths := DefaultFontPaths
	if fontPath != "" {
		paths = append([]string{fontPath}, DefaultFontPaths...)
	}
	return &Service{
		tgClient:  tg,
		onCallID:  onCallChatID,
		fontPaths: paths,
		logger:    logger,
	}
}

func (s *Service) Name() string { return "escalation" }

func (s *Service) Send(ctx context.Context, e events.Event) error {
	if e.Type != events.IntakeCompleted || e.Metadata["triage_level"] != string(careplan.Emergent) {
		return nil
	}
	caption := fmt.Sprintf("EMERGENT intake for patient %s", e.PatientID)

	pdf, err := s.render(e)
	if err != nil {
		// Without a usable font the plan still goes out as text.
		s.logger.Warn("PDF report unavailable, sending text", zap.Error(err))
		return s.tgClient.SendMessage(ctx, s.onCallID, caption+"\n\n"+plainText(e))
	}

	fileName := fmt.Sprintf("careplan_%s.pdf", e.Metadata["audit_id"])
	if err := s.tgClient.SendDocument(ctx, s.onCallID, pdf, fileName, caption); err != nil {
		return fmt.Errorf("send escalation report: %w", err)
	}
	s.logger.Info("escalation report sent",
		zap.String("patient_id", e.PatientID.String()),
		zap.Int64("chat_id", s.onCallID))
	return nil
}

func (s *Service) loadFont(pdf *gopdf.GoPdf) error {
	fontErr := errors.New("no font paths configured")
	for _, path := range s.fontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			return nil
		} else {
			fontErr = err
		}
	}
	return fmt.Errorf("failed to load font for PDF, last error: %w", fontErr)
}

func (s *Service) render(e events.Event) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()
	if err := s.loadFont(&pdf); err != nil {
		return nil, err
	}

	heading := func(text string, size float64) error {
		if err := pdf.SetFont("DejaVu", "", size); err != nil {
			return err
		}
		if err := pdf.Cell(nil, text); err != nil {
			return err
		}
		pdf.Br(size + 6)
		return nil
	}
	paragraph := func(text string) error {
		if err := pdf.SetFont("DejaVu", "", 11); err != nil {
			return err
		}
		lines, err := pdf.SplitText(text, 500)
		if err != nil {
			return err
		}
		for _, l := range lines {
			if err := pdf.Cell(nil, l); err != nil {
				return err
			}
			pdf.Br(14)
		}
		pdf.Br(6)
		return nil
	}

	steps := []func() error{
		func() error { return heading("Care plan: EMERGENT", 20) },
		func() error { return paragraph("Date: " + e.Timestamp.Format(time.RFC1123)) },
		func() error { return paragraph("Patient: " + e.PatientID.String()) },
		func() error { return paragraph("Planner: " + e.Metadata["planner_path"]) },
		func() error { return heading("Symptoms", 14) },
		func() error { return paragraph(orNone(e.Metadata["symptoms"])) },
		func() error { return heading("Suggested tests", 14) },
		func() error { return paragraph(orNone(e.Metadata["suggested_tests"])) },
		func() error { return heading("Summary", 14) },
		func() error { return paragraph(orNone(e.Metadata["summary"])) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func plainText(e events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symptoms: %s\n", orNone(e.Metadata["symptoms"]))
	fmt.Fprintf(&b, "Suggested tests: %s\n", orNone(e.Metadata["suggested_tests"]))
	fmt.Fprintf(&b, "Summary: %s\n", orNone(e.Metadata["summary"]))
	fmt.Fprintf(&b, "Audit: %s", orNone(e.Metadata["audit_id"]))
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}
