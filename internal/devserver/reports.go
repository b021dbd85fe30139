package devserver

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

type reportRow struct {
	studentID string
	name      string
	date      string
	status    string
}

// reportRows selects sessions by attendance_id, or by course_id and an optional date range.
func (s *Server) reportRows(r *http.Request) ([]reportRow, string, error) {
	q := r.URL.Query()
	attID, _ := strconv.Atoi(q.Get("attendance_id"))
	courseID, _ := strconv.Atoi(q.Get("course_id"))
	if attID == 0 && courseID == 0 {
		return nil, "", errors.New("attendance_id or course_id parameter is required.")
	}
	start, end := q.Get("start_date"), q.Get("end_date")

	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	var rows []reportRow
	for _, se := range s.st.sessions {
		switch {
		case attID != 0 && se.id != attID:
			continue
		case attID == 0 && se.courseID != courseID:
			continue
		case start != "" && se.date < start, end != "" && se.date > end:
			continue
		}
		c := s.st.courses[se.courseID]
		if c == nil {
			continue
		}
		var present, absent []reportRow
		for _, id := range c.studentIDs {
			st := s.st.students[id]
			if st == nil {
				continue
			}
			row := reportRow{studentID: st.StudentID, name: st.Name, date: se.date, status: "Absent"}
			if _, ok := se.presentAt[id]; ok {
				row.status = "Present"
				present = append(present, row)
			} else {
				absent = append(absent, row)
			}
		}
		byID := func(rs []reportRow) {
			sort.Slice(rs, func(i, j int) bool { return rs[i].studentID < rs[j].studentID })
		}
		byID(present)
		byID(absent)
		rows = append(rows, present...)
		rows = append(rows, absent...)
	}
	name := "attendance_report"
	if attID != 0 {
		name = fmt.Sprintf("attendance_%d", attID)
	} else if c := s.st.courses[courseID]; c != nil {
		name = "attendance_" + strings.ToLower(c.CourseCode)
	}
	return rows, name, nil
}

func (s *Server) handleExcelReport(w http.ResponseWriter, r *http.Request) {
	rows, name, err := s.reportRows(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Attendance Report"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = f.SetSheetRow(sheet, "A1", &[]any{"Student ID", "Student Name", "Date of Attendance", "Status"})
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		_ = f.SetSheetRow(sheet, cell, &[]any{row.studentID, row.name, row.date, row.status})
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.xlsx"`, name))
	_, _ = w.Write(buf.Bytes())
}

// handlePDFReport writes a single-page text PDF; enough for download round-trips.
func (s *Server) handlePDFReport(w http.ResponseWriter, r *http.Request) {
	rows, name, err := s.reportRows(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lines := []string{"Attendance Report", "Generated: " + s.now().Format(time.RFC1123)}
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf("%s  %s  %s  %s", row.studentID, row.name, row.date, row.status))
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.pdf"`, name))
	_, _ = w.Write(textPDF(lines))
}

func textPDF(lines []string) []byte {
	var content bytes.Buffer
	content.WriteString("BT /F1 10 Tf 40 800 Td 14 TL\n")
	for _, l := range lines {
		l = strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(l)
		fmt.Fprintf(&content, "(%s) '\n", l)
	}
	content.WriteString("ET")

	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}
	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&out, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return out.Bytes()
}
