package service

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/school-portal-api/internal/grading"
	"github.com/noah-isme/school-portal-api/internal/models"
	appErrors "github.com/noah-isme/school-portal-api/pkg/errors"
)

type resultRepo interface {
	Upsert(ctx context.Context, result *models.Result) (*models.Result, error)
	ListByStudentTerm(ctx context.Context, studentID, termID string) ([]models.ResultDetail, error)
	ListByTermClass(ctx context.Context, termID, classID string) ([]models.ResultDetail, error)
	List(ctx context.Context, filter models.ResultFilter) ([]models.ResultDetail, int, error)
}

type resultStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.StudentDetail, error)
	FindByAdmissionNumber(ctx context.Context, admissionNumber string) (*models.Student, error)
}

type resultSubjectReader interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
	FindByCode(ctx context.Context, code string) (*models.Subject, error)
	ListByClassTerm(ctx context.Context, classID, termID string) ([]models.Subject, error)
}

type resultTermReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
	FindCurrent(ctx context.Context) (*models.Term, error)
}

type resultClassReader interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
}

type resultTeacherReader interface {
	FindByUserID(ctx context.Context, userID string) (*models.Teacher, error)
}

type assignmentChecker interface {
	HasScope(ctx context.Context, teacherID, classID, subjectID, termID string) (bool, error)
	HasClassAccess(ctx context.Context, teacherID, classID, termID string) (bool, error)
}

// EnterMarksRequest carries one student's component marks for a
// subject. Marks are clamped into range on save, never rejected.
type EnterMarksRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	SubjectID string `json:"subject_id" validate:"required"`
	TermID    string `json:"term_id"`
	CA1       int    `json:"ca1"`
	CA2       int    `json:"ca2"`
	CA3       int    `json:"ca3"`
	CA4       int    `json:"ca4"`
	Exam      int    `json:"exam"`
}

// MarksUploadSkip reports one CSV row the upload left out.
type MarksUploadSkip struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// MarksUploadResult summarises a bulk CSV upload.
type MarksUploadResult struct {
	Processed int               `json:"processed"`
	Skipped   []MarksUploadSkip `json:"skipped,omitempty"`
}

// cohortSnapshot is the memoized per-(term, class) computation. Redis
// holds one snapshot per cohort; per-student stats are sliced out of it.
type cohortSnapshot struct {
	Students map[string]models.CohortStats `json:"students"`
	Size     int                           `json:"size"`
	Average  float64                       `json:"average"`
}

// ResultService owns mark entry, cohort statistics and broadsheets.
type ResultService struct {
	results     resultRepo
	students    resultStudentReader
	subjects    resultSubjectReader
	terms       resultTermReader
	classes     resultClassReader
	teachers    resultTeacherReader
	assignments assignmentChecker
	cache       *CacheService
	policy      grading.Policy
	statsTTL    time.Duration
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewResultService constructs ResultService.
func NewResultService(results resultRepo, students resultStudentReader, subjects resultSubjectReader, terms resultTermReader, classes resultClassReader, teachers resultTeacherReader, assignments assignmentChecker, cache *CacheService, policy grading.Policy, statsTTL time.Duration, validate *validator.Validate, logger *zap.Logger) *ResultService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if statsTTL <= 0 {
		statsTTL = 10 * time.Minute
	}
	return &ResultService{
		results:     results,
		students:    students,
		subjects:    subjects,
		terms:       terms,
		classes:     classes,
		teachers:    teachers,
		assignments: assignments,
		cache:       cache,
		policy:      policy,
		statsTTL:    statsTTL,
		validator:   validate,
		logger:      logger,
	}
}

// EnterMarks records one student's marks for a subject. The save is an
// upsert keyed on (student, subject, term): entering twice leaves one
// row with freshly derived total, grade and remark.
func (s *ResultService) EnterMarks(ctx context.Context, actor Actor, req EnterMarksRequest) (*models.Result, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid marks payload")
	}
	term, err := s.resolveTerm(ctx, req.TermID)
	if err != nil {
		return nil, err
	}
	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	subject, err := s.subjects.FindByID(ctx, req.SubjectID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	if err := s.ensureMarksScope(ctx, actor, student.ClassID, subject.ID, term.ID); err != nil {
		return nil, err
	}
	saved, err := s.saveMarks(ctx, student.ID, student.ClassID, subject.ID, term.ID, actor.UserID, req.CA1, req.CA2, req.CA3, req.CA4, req.Exam)
	if err != nil {
		return nil, err
	}
	s.invalidateCohort(ctx, term.ID, student.ClassID)
	return saved, nil
}

// UploadMarks ingests a CSV of marks, one row per (student, subject).
// Expected columns: admission_number,subject_code,ca1,ca2,ca3,ca4,exam.
// Rows fail independently: a bad row is skipped, logged and reported
// back while the rest of the batch commits.
func (s *ResultService) UploadMarks(ctx context.Context, actor Actor, termID string, file io.Reader) (*MarksUploadResult, error) {
	term, err := s.resolveTerm(ctx, termID)
	if err != nil {
		return nil, err
	}
	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "empty or unreadable CSV file")
	}
	if err := validateMarksHeader(header); err != nil {
		return nil, err
	}

	result := &MarksUploadResult{}
	touchedClasses := make(map[string]bool)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.skipRow(result, line, "malformed row")
			continue
		}
		classID, reason := s.uploadRow(ctx, actor, term, record)
		if reason != "" {
			s.skipRow(result, line, reason)
			continue
		}
		result.Processed++
		touchedClasses[classID] = true
	}
	for classID := range touchedClasses {
		s.invalidateCohort(ctx, term.ID, classID)
	}
	return result, nil
}

// uploadRow applies one CSV row and returns the affected class, or a
// skip reason when the row cannot be used.
func (s *ResultService) uploadRow(ctx context.Context, actor Actor, term *models.Term, record []string) (string, string) {
	if len(record) != 7 {
		return "", "expected 7 columns"
	}
	admission := strings.TrimSpace(record[0])
	if admission == "" {
		return "", "admission number missing"
	}
	student, err := s.students.FindByAdmissionNumber(ctx, admission)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Sprintf("unknown admission number %q", admission)
		}
		return "", "failed to load student"
	}
	code := strings.TrimSpace(record[1])
	subject, err := s.subjects.FindByCode(ctx, code)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Sprintf("unknown subject code %q", code)
		}
		return "", "failed to load subject"
	}
	marks := make([]int, 5)
	labels := [5]string{"ca1", "ca2", "ca3", "ca4", "exam"}
	for i := 0; i < 5; i++ {
		value, err := strconv.Atoi(strings.TrimSpace(record[i+2]))
		if err != nil {
			return "", fmt.Sprintf("%s is not a number", labels[i])
		}
		marks[i] = value
	}
	if err := s.ensureMarksScope(ctx, actor, student.ClassID, subject.ID, term.ID); err != nil {
		return "", "outside assigned class and subject"
	}
	if _, err := s.saveMarks(ctx, student.ID, student.ClassID, subject.ID, term.ID, actor.UserID, marks[0], marks[1], marks[2], marks[3], marks[4]); err != nil {
		return "", "failed to save marks"
	}
	return student.ClassID, ""
}

// CohortStats returns the student's per-subject and overall standing in
// the (term, class) cohort. The cohort computation is memoized in Redis
// per (term, class) and invalidated whenever a result in the scope is
// written.
func (s *ResultService) CohortStats(ctx context.Context, studentID, termID string) (*models.CohortStats, error) {
	term, err := s.resolveTerm(ctx, termID)
	if err != nil {
		return nil, err
	}
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	snapshot, err := s.cohortSnapshot(ctx, term.ID, student.ClassID)
	if err != nil {
		return nil, err
	}
	if stats, ok := snapshot.Students[studentID]; ok {
		return &stats, nil
	}
	return &models.CohortStats{
		TermID:   term.ID,
		ClassID:  student.ClassID,
		Subjects: map[string]models.SubjectStat{},
		Overall:  models.CohortOverall{CohortSize: snapshot.Size, CohortAverage: snapshot.Average},
	}, nil
}

// StudentResults lists a student's result rows for the term.
func (s *ResultService) StudentResults(ctx context.Context, studentID, termID string) ([]models.ResultDetail, *models.Term, error) {
	term, err := s.resolveTerm(ctx, termID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.students.FindByID(ctx, studentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	rows, err := s.results.ListByStudentTerm(ctx, studentID, term.ID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list results")
	}
	return rows, term, nil
}

// List returns result rows matching the filter, for the admin screens.
func (s *ResultService) List(ctx context.Context, filter models.ResultFilter) ([]models.ResultDetail, int, error) {
	rows, total, err := s.results.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list results")
	}
	return rows, total, nil
}

// Broadsheet assembles the class x subject matrix for a term. Rows are
// ordered by rank.
func (s *ResultService) Broadsheet(ctx context.Context, termID, classID string) (*models.Broadsheet, error) {
	term, err := s.resolveTerm(ctx, termID)
	if err != nil {
		return nil, err
	}
	class, err := s.classes.FindByID(ctx, classID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	subjects, err := s.subjects.ListByClassTerm(ctx, class.ID, term.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list subjects")
	}
	rows, err := s.results.ListByTermClass(ctx, term.ID, class.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list cohort results")
	}
	return buildBroadsheet(term.ID, class.ID, subjects, rows), nil
}

// AuthorizeClassView gates cohort-wide reads. Teachers may only view
// classes they are assigned to in the term; students never may.
func (s *ResultService) AuthorizeClassView(ctx context.Context, actor Actor, classID, termID string) error {
	if actor.Privileged() {
		return nil
	}
	if actor.Role != models.RoleTeacher {
		return appErrors.Clone(appErrors.ErrForbidden, "insufficient permissions")
	}
	term, err := s.resolveTerm(ctx, termID)
	if err != nil {
		return err
	}
	teacher, err := s.teachers.FindByUserID(ctx, actor.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrForbidden, "no teacher profile for this account")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher")
	}
	allowed, err := s.assignments.HasClassAccess(ctx, teacher.ID, classID, term.ID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check class access")
	}
	if !allowed {
		return appErrors.Clone(appErrors.ErrForbidden, "not assigned to this class")
	}
	return nil
}

func (s *ResultService) ensureMarksScope(ctx context.Context, actor Actor, classID, subjectID, termID string) error {
	if actor.Privileged() {
		return nil
	}
	if actor.Role != models.RoleTeacher {
		return appErrors.Clone(appErrors.ErrForbidden, "insufficient permissions")
	}
	teacher, err := s.teachers.FindByUserID(ctx, actor.UserID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrForbidden, "no teacher profile for this account")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher")
	}
	allowed, err := s.assignments.HasScope(ctx, teacher.ID, classID, subjectID, termID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check assignment")
	}
	if !allowed {
		return appErrors.Clone(appErrors.ErrForbidden, "not assigned to this class and subject")
	}
	return nil
}

// saveMarks clamps the components, derives total/grade/remark under the
// configured policy and upserts the row.
func (s *ResultService) saveMarks(ctx context.Context, studentID, classID, subjectID, termID, recordedBy string, ca1, ca2, ca3, ca4, exam int) (*models.Result, error) {
	total := grading.Total(ca1, ca2, ca3, ca4, exam)
	grade, remark := s.policy.Grade(total)
	result := &models.Result{
		StudentID:  studentID,
		SubjectID:  subjectID,
		TermID:     termID,
		ClassID:    classID,
		CA1:        grading.ClampCA(ca1),
		CA2:        grading.ClampCA(ca2),
		CA3:        grading.ClampCA(ca3),
		CA4:        grading.ClampCA(ca4),
		Exam:       grading.ClampExam(exam),
		Total:      total,
		Grade:      grade,
		Remark:     remark,
		RecordedBy: recordedBy,
	}
	saved, err := s.results.Upsert(ctx, result)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to save marks")
	}
	return saved, nil
}

func (s *ResultService) cohortSnapshot(ctx context.Context, termID, classID string) (*cohortSnapshot, error) {
	key := cohortCacheKey(termID, classID)
	var snapshot cohortSnapshot
	if s.cache.Enabled() {
		if hit, _ := s.cache.Get(ctx, key, &snapshot); hit {
			return &snapshot, nil
		}
	}
	rows, err := s.results.ListByTermClass(ctx, termID, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list cohort results")
	}
	snapshot = computeCohort(termID, classID, rows)
	if s.cache.Enabled() {
		if err := s.cache.Set(ctx, key, snapshot, s.statsTTL); err != nil {
			s.logger.Warn("cohort snapshot not cached", zap.String("term_id", termID), zap.String("class_id", classID), zap.Error(err))
		}
	}
	return &snapshot, nil
}

func (s *ResultService) invalidateCohort(ctx context.Context, termID, classID string) {
	if !s.cache.Enabled() {
		return
	}
	if err := s.cache.Invalidate(ctx, cohortCacheKey(termID, classID)); err != nil {
		s.logger.Warn("cohort cache invalidation failed", zap.String("term_id", termID), zap.String("class_id", classID), zap.Error(err))
	}
}

func (s *ResultService) skipRow(result *MarksUploadResult, line int, reason string) {
	result.Skipped = append(result.Skipped, MarksUploadSkip{Line: line, Reason: reason})
	s.logger.Warn("marks upload row skipped", zap.Int("line", line), zap.String("reason", reason))
}

func (s *ResultService) resolveTerm(ctx context.Context, termID string) (*models.Term, error) {
	if termID == "" {
		term, err := s.terms.FindCurrent(ctx)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "no current term configured")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve current term")
		}
		return term, nil
	}
	term, err := s.terms.FindByID(ctx, termID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	return term, nil
}

func cohortCacheKey(termID, classID string) string {
	return fmt.Sprintf("cohort:%s:%s", termID, classID)
}

var marksHeader = []string{"admission_number", "subject_code", "ca1", "ca2", "ca3", "ca4", "exam"}

func validateMarksHeader(header []string) error {
	if len(header) != len(marksHeader) {
		return appErrors.Clone(appErrors.ErrValidation, "CSV header must be admission_number,subject_code,ca1,ca2,ca3,ca4,exam")
	}
	for i, column := range header {
		if !strings.EqualFold(strings.TrimSpace(column), marksHeader[i]) {
			return appErrors.Clone(appErrors.ErrValidation, "CSV header must be admission_number,subject_code,ca1,ca2,ca3,ca4,exam")
		}
	}
	return nil
}

// computeCohort derives per-subject and overall standings for every
// student with results in the (term, class) scope. Rows arrive ordered
// by student then subject name; that order is what breaks ties.
func computeCohort(termID, classID string, rows []models.ResultDetail) cohortSnapshot {
	snapshot := cohortSnapshot{Students: make(map[string]models.CohortStats)}
	if len(rows) == 0 {
		return snapshot
	}

	type entry struct {
		studentID string
		total     int
	}
	subjectOrder := make([]string, 0)
	subjectEntries := make(map[string][]entry)
	subjectMeta := make(map[string]models.Subject)
	studentOrder := make([]string, 0)
	aggregates := make(map[string]int)
	subjectCounts := make(map[string]int)

	for _, row := range rows {
		if _, seen := subjectEntries[row.SubjectID]; !seen {
			subjectOrder = append(subjectOrder, row.SubjectID)
			subjectMeta[row.SubjectID] = models.Subject{ID: row.SubjectID, Code: row.SubjectCode, Name: row.SubjectName}
		}
		subjectEntries[row.SubjectID] = append(subjectEntries[row.SubjectID], entry{studentID: row.StudentID, total: row.Total})
		if _, seen := aggregates[row.StudentID]; !seen {
			studentOrder = append(studentOrder, row.StudentID)
		}
		aggregates[row.StudentID] += row.Total
		subjectCounts[row.StudentID]++
	}

	for _, studentID := range studentOrder {
		snapshot.Students[studentID] = models.CohortStats{
			TermID:   termID,
			ClassID:  classID,
			Subjects: make(map[string]models.SubjectStat),
		}
	}

	for _, subjectID := range subjectOrder {
		entries := subjectEntries[subjectID]
		totals := make([]int, len(entries))
		sum, high, low := 0, entries[0].total, entries[0].total
		for i, e := range entries {
			totals[i] = e.total
			sum += e.total
			if e.total > high {
				high = e.total
			}
			if e.total < low {
				low = e.total
			}
		}
		average := int(math.Round(float64(sum) / float64(len(entries))))
		ranks := grading.Rank(totals)
		meta := subjectMeta[subjectID]
		for i, e := range entries {
			stats := snapshot.Students[e.studentID]
			stats.Subjects[subjectID] = models.SubjectStat{
				SubjectID:   subjectID,
				SubjectName: meta.Name,
				Rank:        ranks[i],
				Average:     average,
				High:        high,
				Low:         low,
			}
			snapshot.Students[e.studentID] = stats
		}
	}

	aggregateTotals := make([]int, len(studentOrder))
	cohortSum := 0
	for i, studentID := range studentOrder {
		aggregateTotals[i] = aggregates[studentID]
		cohortSum += aggregates[studentID]
	}
	overallRanks := grading.Rank(aggregateTotals)
	snapshot.Size = len(studentOrder)
	snapshot.Average = round1(float64(cohortSum) / float64(len(studentOrder)))

	for i, studentID := range studentOrder {
		stats := snapshot.Students[studentID]
		stats.Overall = models.CohortOverall{
			TotalScore:    aggregates[studentID],
			Average:       round1(float64(aggregates[studentID]) / float64(subjectCounts[studentID])),
			Rank:          overallRanks[i],
			CohortSize:    snapshot.Size,
			CohortAverage: snapshot.Average,
		}
		snapshot.Students[studentID] = stats
	}
	return snapshot
}

// buildBroadsheet pivots cohort rows into the class x subject matrix.
func buildBroadsheet(termID, classID string, subjects []models.Subject, rows []models.ResultDetail) *models.Broadsheet {
	sheet := &models.Broadsheet{TermID: termID, ClassID: classID, Subjects: subjects, Rows: []models.BroadsheetRow{}}
	if len(rows) == 0 {
		return sheet
	}

	studentOrder := make([]string, 0)
	byStudent := make(map[string]*models.BroadsheetRow)
	for _, row := range rows {
		line, ok := byStudent[row.StudentID]
		if !ok {
			studentOrder = append(studentOrder, row.StudentID)
			line = &models.BroadsheetRow{
				StudentID:       row.StudentID,
				StudentName:     row.StudentName,
				AdmissionNumber: row.AdmissionNumber,
				Scores:          make(map[string]models.BroadsheetCell),
			}
			byStudent[row.StudentID] = line
		}
		line.Scores[row.SubjectCode] = models.BroadsheetCell{Total: row.Total, Grade: row.Grade}
		line.Aggregate += row.Total
	}

	aggregates := make([]int, len(studentOrder))
	for i, studentID := range studentOrder {
		aggregates[i] = byStudent[studentID].Aggregate
	}
	ranks := grading.Rank(aggregates)

	for i, studentID := range studentOrder {
		line := byStudent[studentID]
		line.Rank = ranks[i]
		if n := len(line.Scores); n > 0 {
			line.Average = round1(float64(line.Aggregate) / float64(n))
		}
		sheet.Rows = append(sheet.Rows, *line)
	}
	sort.SliceStable(sheet.Rows, func(a, b int) bool {
		return sheet.Rows[a].Rank < sheet.Rows[b].Rank
	})
	return sheet
}

func round1(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*10) / 10
}
