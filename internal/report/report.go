package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/harrylevesque/qrattend/internal/api"
	"github.com/harrylevesque/qrattend/internal/utils"
)

type Format string

const (
	XLSX Format = "xlsx"
	PDF  Format = "pdf"
)

// Downloader is the backend call that streams a generated report.
type Downloader interface {
	DownloadReport(ctx context.Context, q api.ReportQuery, format string, w io.Writer) (string, error)
}

type Request struct {
	AttendanceID int
	CourseID     int
	StartDate    string // YYYY-MM-DD
	EndDate      string
	Format       Format
}

func (r Request) validate() error {
	if r.AttendanceID <= 0 && r.CourseID <= 0 {
		return utils.New(utils.KindValidation, 0, "Choose an attendance session or a course.")
	}
	if r.Format != XLSX && r.Format != PDF {
		return utils.New(utils.KindValidation, 0, "Report format must be xlsx or pdf.")
	}
	for _, d := range []string{r.StartDate, r.EndDate} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return utils.New(utils.KindValidation, 0, "Dates must look like 2006-01-02.")
		}
	}
	if r.StartDate != "" && r.EndDate != "" && r.StartDate > r.EndDate {
		return utils.New(utils.KindValidation, 0, "Start date is after end date.")
	}
	return nil
}

// FileName is the local name a downloaded report is saved under.
func FileName(f Format, at time.Time) string {
	return fmt.Sprintf("attendance_report_%d.%s", at.UnixMilli(), f)
}

// Download fetches a generated report into dir and returns the written path.
func Download(ctx context.Context, d Downloader, req Request, dir string) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if err := utils.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, FileName(req.Format, time.Now()))
	tmp, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	q := api.ReportQuery{AttendanceID: req.AttendanceID, CourseID: req.CourseID, StartDate: req.StartDate, EndDate: req.EndDate}
	if _, err := d.DownloadReport(ctx, q, string(req.Format), tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}
