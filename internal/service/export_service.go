package service

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/school-portal-api/internal/models"
	"github.com/noah-isme/school-portal-api/pkg/export"
	"github.com/noah-isme/school-portal-api/pkg/storage"
)

type resultDataSource interface {
	Broadsheet(ctx context.Context, termID, classID string) (*models.Broadsheet, error)
	StudentResults(ctx context.Context, studentID, termID string) ([]models.ResultDetail, *models.Term, error)
	CohortStats(ctx context.Context, studentID, termID string) (*models.CohortStats, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	ExpiresAt    time.Time
}

// ExportService renders broadsheets and result slips to files and hands
// out signed download URLs.
type ExportService struct {
	results resultDataSource
	storage fileStorage
	csv     csvRenderer
	pdf     pdfRenderer
	signer  *storage.SignedURLSigner
	logger  *zap.Logger
	cfg     ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(results resultDataSource, store fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		results: results,
		storage: store,
		csv:     csv,
		pdf:     pdf,
		signer:  signer,
		logger:  logger,
		cfg:     cfg,
	}
}

// Generate builds the dataset for a job and stores the rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ReportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	signedURL := strings.TrimRight(s.cfg.APIPrefix, "/")
	if signedURL == "" {
		signedURL = "/api/v1"
	}
	signedURL = fmt.Sprintf("%s/reports/download/%s", signedURL, token)

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          signedURL,
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL
// when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(job *models.ReportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	termPart := sanitizeFilename(job.Params.TermID)
	return fmt.Sprintf("%s_%s_%s.%s", strings.ToLower(string(job.Type)), termPart, timestamp, job.Params.Format)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

func (s *ExportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	switch job.Type {
	case models.ReportTypeBroadsheet:
		return s.buildBroadsheetDataset(ctx, job.Params)
	case models.ReportTypeResultSlip:
		return s.buildResultSlipDataset(ctx, job.Params)
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported report type %s", job.Type)
	}
}

// buildBroadsheetDataset flattens the class x subject matrix into one row
// per student, ordered by rank, one column per subject code.
func (s *ExportService) buildBroadsheetDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	sheet, err := s.results.Broadsheet(ctx, params.TermID, params.ClassID)
	if err != nil {
		return export.Dataset{}, "", err
	}

	subjects := make([]models.Subject, len(sheet.Subjects))
	copy(subjects, sheet.Subjects)
	sort.Slice(subjects, func(i, j int) bool { return subjects[i].Code < subjects[j].Code })

	headers := []string{"Position", "Admission No", "Student"}
	for _, subject := range subjects {
		headers = append(headers, subject.Code)
	}
	headers = append(headers, "Aggregate", "Average")

	rows := make([]map[string]string, 0, len(sheet.Rows))
	for _, line := range sheet.Rows {
		row := map[string]string{
			"Position":     fmt.Sprintf("%d", line.Rank),
			"Admission No": line.AdmissionNumber,
			"Student":      line.StudentName,
			"Aggregate":    fmt.Sprintf("%d", line.Aggregate),
			"Average":      fmt.Sprintf("%.2f", line.Average),
		}
		for _, subject := range subjects {
			if cell, ok := line.Scores[subject.ID]; ok {
				row[subject.Code] = fmt.Sprintf("%d (%s)", cell.Total, cell.Grade)
			} else {
				row[subject.Code] = "-"
			}
		}
		rows = append(rows, row)
	}

	dataset := export.Dataset{Headers: headers, Rows: rows}
	title := fmt.Sprintf("Broadsheet %s", params.TermID)
	return dataset, title, nil
}

// buildResultSlipDataset lists one student's subject results followed by
// the aggregate block a printed slip carries.
func (s *ExportService) buildResultSlipDataset(ctx context.Context, params models.ReportJobParams) (export.Dataset, string, error) {
	results, term, err := s.results.StudentResults(ctx, params.StudentID, params.TermID)
	if err != nil {
		return export.Dataset{}, "", err
	}

	headers := []string{"Subject", "CA1", "CA2", "CA3", "CA4", "Exam", "Total", "Grade", "Remark"}
	rows := make([]map[string]string, 0, len(results)+3)
	aggregate := 0
	for _, res := range results {
		aggregate += res.Total
		rows = append(rows, map[string]string{
			"Subject": res.SubjectName,
			"CA1":     fmt.Sprintf("%d", res.CA1),
			"CA2":     fmt.Sprintf("%d", res.CA2),
			"CA3":     fmt.Sprintf("%d", res.CA3),
			"CA4":     fmt.Sprintf("%d", res.CA4),
			"Exam":    fmt.Sprintf("%d", res.Exam),
			"Total":   fmt.Sprintf("%d", res.Total),
			"Grade":   res.Grade,
			"Remark":  res.Remark,
		})
	}

	rows = append(rows, map[string]string{"Subject": "Aggregate", "Total": fmt.Sprintf("%d", aggregate)})
	if len(results) > 0 {
		rows = append(rows, map[string]string{
			"Subject": "Average",
			"Total":   fmt.Sprintf("%.2f", float64(aggregate)/float64(len(results))),
		})
	}
	if stats, err := s.results.CohortStats(ctx, params.StudentID, params.TermID); err == nil {
		rows = append(rows, map[string]string{
			"Subject": "Position",
			"Total":   fmt.Sprintf("%d of %d", stats.Overall.Rank, stats.Overall.CohortSize),
		})
	} else {
		s.logger.Warn("result slip cohort stats unavailable", zap.String("student_id", params.StudentID), zap.Error(err))
	}

	dataset := export.Dataset{Headers: headers, Rows: rows}
	title := fmt.Sprintf("Result Slip %s", term.Name)
	return dataset, title, nil
}
