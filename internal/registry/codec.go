package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mmr-tortoise/portkeeper/internal/model"
)

// Column names of the registry table. Order here is the order written;
// readers resolve columns by name so reordered or extended files still
// parse.
const (
	ColProject    = "project_name"
	ColService    = "service_type"
	ColPort       = "port"
	ColEnv        = "environment"
	ColStatus     = "status"
	ColCreated    = "created_date"
	ColWorkingDir = "working_directory"
)

// Header is the column list written to every registry file.
var Header = []string{ColProject, ColService, ColPort, ColEnv, ColStatus, ColCreated, ColWorkingDir}

// requiredColumns must be present in the header; working_directory is
// optional so that older tables without it still load.
var requiredColumns = []string{ColProject, ColService, ColPort, ColEnv, ColStatus, ColCreated}

// decode parses a registry table. path is only used in error messages.
func decode(path string, r io.Reader) ([]model.Allocation, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &model.RegistryCorruptError{Path: path, Line: 1, Reason: "missing header row"}
	}
	if err != nil {
		return nil, &model.RegistryCorruptError{Path: path, Line: 1, Reason: "unreadable header", Err: err}
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, &model.RegistryCorruptError{Path: path, Line: 1,
				Reason: fmt.Sprintf("header is missing column %q", col)}
		}
	}

	field := func(record []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []model.Allocation
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, &model.RegistryCorruptError{Path: path, Line: line, Reason: "malformed row", Err: err}
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}

		row, err := decodeRow(record, field)
		if err != nil {
			return nil, &model.RegistryCorruptError{Path: path, Line: line, Err: err}
		}
		rows = append(rows, row)
	}

	if err := model.ValidateAllocations(rows); err != nil {
		return nil, &model.RegistryCorruptError{Path: path, Reason: "duplicate holding rows", Err: err}
	}
	return rows, nil
}

func decodeRow(record []string, field func([]string, string) string) (model.Allocation, error) {
	st, err := model.ParseServiceType(field(record, ColService))
	if err != nil {
		return model.Allocation{}, err
	}
	env, err := model.ParseEnvironment(field(record, ColEnv))
	if err != nil {
		return model.Allocation{}, err
	}
	status, err := model.ParseAllocationStatus(field(record, ColStatus))
	if err != nil {
		return model.Allocation{}, err
	}
	port, err := strconv.Atoi(field(record, ColPort))
	if err != nil {
		return model.Allocation{}, fmt.Errorf("invalid port %q: %w", field(record, ColPort), err)
	}
	created, err := parseCreated(field(record, ColCreated))
	if err != nil {
		return model.Allocation{}, err
	}

	row := model.Allocation{
		ProjectName:      field(record, ColProject),
		ServiceType:      st,
		Port:             port,
		Environment:      env,
		Status:           status,
		CreatedAt:        created,
		WorkingDirectory: field(record, ColWorkingDir),
	}
	if err := row.Validate(); err != nil {
		return model.Allocation{}, err
	}
	return row, nil
}

// parseCreated accepts RFC3339 timestamps and the plain date form
// (YYYY-MM-DD) that hand-edited tables tend to use.
func parseCreated(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid created_date %q", s)
}

// encode writes the header and every row.
func encode(w io.Writer, rows []model.Allocation) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		created := ""
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			r.ProjectName,
			r.ServiceType.String(),
			strconv.Itoa(r.Port),
			r.Environment.String(),
			r.Status.String(),
			created,
			r.WorkingDirectory,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
