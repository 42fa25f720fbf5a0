package byref

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/go-analyze/bulk"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/PatchLens/go-byref/bytecode"
	"github.com/PatchLens/go-byref/callsite"
)

// SiteReport describes the reconstructed arguments of one call instruction.
type SiteReport struct {
	Code    string   `msgpack:"c" json:"code"`
	CodeKey string   `msgpack:"k" json:"codeKey"`
	Offset  int      `msgpack:"o" json:"offset"`
	Op      string   `msgpack:"op" json:"op"`
	Args    []string `msgpack:"a,omitempty" json:"args,omitempty"`
	Lvalues int      `msgpack:"l" json:"lvalues"`
	Err     string   `msgpack:"e,omitempty" json:"error,omitempty"`
}

// Key identifies the report by its code unit and instruction offset. The separator is outside
// the base91 alphabet of code keys.
func (r SiteReport) Key() string {
	return r.CodeKey + "-" + strconv.Itoa(r.Offset)
}

// Resolved reports if the analysis completed for the call.
func (r SiteReport) Resolved() bool {
	return r.Err == ""
}

// MarshalReport encodes a report for storage.
func MarshalReport(r SiteReport) ([]byte, error) {
	return msgpack.Marshal(&r)
}

// UnmarshalReport decodes a report produced by MarshalReport.
func UnmarshalReport(data []byte) (SiteReport, error) {
	var r SiteReport
	err := msgpack.Unmarshal(data, &r)
	return r, err
}

func isCall(op bytecode.Opcode) bool {
	switch op {
	case bytecode.CALL_FUNCTION, bytecode.CALL_FUNCTION_KW, bytecode.CALL_FUNCTION_EX, bytecode.CALL_METHOD:
		return true
	default:
		return false
	}
}

// codeUnits returns code followed by every code constant nested within it, depth first.
func codeUnits(code *bytecode.Code) []*bytecode.Code {
	units := []*bytecode.Code{code}
	for _, k := range code.Consts {
		if nested, ok := k.(*bytecode.Code); ok {
			units = append(units, codeUnits(nested)...)
		}
	}
	return units
}

// FindCode returns the first unit named name in code or its nested code units.
func FindCode(code *bytecode.Code, name string) (*bytecode.Code, bool) {
	for _, unit := range codeUnits(code) {
		if unit.Name == name {
			return unit, true
		}
	}
	return nil, false
}

type surveyJob struct {
	code   *bytecode.Code
	key    string
	offset int
	op     bytecode.Opcode
}

// Survey analyzes every call instruction in code and its nested code units. Analysis failures
// are recorded per report; the returned error is only set when ctx is done. Reports are
// ordered by unit then offset.
func Survey(ctx context.Context, code *bytecode.Code, opts Options) ([]SiteReport, error) {
	var jobs []surveyJob
	for _, unit := range codeUnits(code) {
		key := unit.Key()
		for off := 0; off+1 < len(unit.Bytecode); off += bytecode.InstructionSize {
			if op := bytecode.At(unit.Bytecode, off).Op; isCall(op) {
				jobs = append(jobs, surveyJob{code: unit, key: key, offset: off, op: op})
			}
		}
	}

	reports := make([]SiteReport, len(jobs))
	eg, ctx := ErrGroupLimitCPU(ctx)
	for i, job := range jobs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			reports[i] = analyzeSite(job, opts)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("survey of %s interrupted: %w", code.Name, err)
	}
	return reports, nil
}

func analyzeSite(job surveyJob, opts Options) SiteReport {
	report := SiteReport{Code: job.code.Name, CodeKey: job.key, Offset: job.offset, Op: job.op.String()}
	args, err := callsite.Analyze(job.code, job.offset, opts.analyzer())
	if err != nil {
		report.Err = err.Error()
		return report
	}
	report.Args = make([]string, len(args))
	for i, a := range args {
		report.Args[i] = a.String()
		if _, ok := a.(callsite.Lvalue); ok {
			report.Lvalues++
		}
	}
	return report
}

// SurveySummary aggregates survey reports.
type SurveySummary struct {
	Sites    int            `json:"sites"`
	Resolved int            `json:"resolved"`
	Lvalues  int            `json:"lvalues"`
	ByOp     map[string]int `json:"byOp"`
	Failures map[string]int `json:"failures,omitempty"` // failing site count per code unit
}

// Summarize counts resolved sites and groups failures by code unit.
func Summarize(reports []SiteReport) SurveySummary {
	resolved := bulk.SliceFilter(SiteReport.Resolved, reports)
	ops := make([]string, len(reports))
	for i, r := range reports {
		ops[i] = r.Op
	}
	summary := SurveySummary{Sites: len(reports), Resolved: len(resolved), ByOp: bulk.SliceToCounts(ops)}
	for _, r := range resolved {
		summary.Lvalues += r.Lvalues
	}

	failed := bulk.SliceFilter(func(r SiteReport) bool {
		return !r.Resolved()
	}, reports)
	if len(failed) > 0 {
		summary.Failures = make(map[string]int)
		for unit, group := range bulk.SliceToGroupsBy(func(r SiteReport) string {
			return r.Code
		}, failed) {
			summary.Failures[unit] = len(group)
		}
	}
	return summary
}

// AssignableSites returns the reports with at least one assignable argument, sorted by key.
func AssignableSites(reports []SiteReport) []SiteReport {
	result := bulk.SliceFilter(func(r SiteReport) bool {
		return r.Lvalues > 0
	}, reports)
	slices.SortFunc(result, func(a, b SiteReport) int {
		if c := strings.Compare(a.CodeKey, b.CodeKey); c != 0 {
			return c
		}
		return a.Offset - b.Offset
	})
	return result
}

// ReportStore persists survey reports.
type ReportStore struct {
	storage Storage
}

// NewReportStore stores reports in storage, compressing each encoded report.
func NewReportStore(storage Storage) *ReportStore {
	return &ReportStore{storage: storage}
}

// Save stores every report under its Key.
func (s *ReportStore) Save(reports []SiteReport) error {
	for _, r := range reports {
		data, err := MarshalReport(r)
		if err != nil {
			return fmt.Errorf("encode report %s: %w", r.Key(), err)
		}
		if err := s.storage.Put(r.Key(), bytecode.ZstdCompress(nil, data)); err != nil {
			return fmt.Errorf("store report %s: %w", r.Key(), err)
		}
	}
	return nil
}

// Load returns the report stored under key.
func (s *ReportStore) Load(key string) (SiteReport, bool, error) {
	blob, ok, err := s.storage.Get(key)
	if err != nil || !ok {
		return SiteReport{}, false, err
	}
	data, err := bytecode.ZstdDecompress(nil, blob)
	if err != nil {
		return SiteReport{}, false, fmt.Errorf("decompress report %s: %w", key, err)
	}
	r, err := UnmarshalReport(data)
	if err != nil {
		return SiteReport{}, false, fmt.Errorf("decode report %s: %w", key, err)
	}
	return r, true, nil
}

// LoadCode returns the stored reports of one code unit ordered by offset.
func (s *ReportStore) LoadCode(codeKey string) ([]SiteReport, error) {
	keys, err := s.storage.ListKeysPrefix(codeKey + "-")
	if err != nil {
		return nil, err
	}
	reports := make([]SiteReport, 0, len(keys))
	for _, key := range keys {
		r, ok, err := s.Load(key)
		if err != nil {
			return nil, err
		} else if ok {
			reports = append(reports, r)
		}
	}
	slices.SortFunc(reports, func(a, b SiteReport) int {
		return a.Offset - b.Offset
	})
	return reports, nil
}

// Close releases the underlying storage.
func (s *ReportStore) Close() {
	s.storage.Close()
}
